package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tmcarvalho/fisioagenda/internal/capacity"
	"github.com/tmcarvalho/fisioagenda/libs/db"
)

// CapacityRepository loads the clinic's capacity windows from Postgres.
type CapacityRepository struct {
	pool *db.Pool
}

func NewCapacityRepository(pool *db.Pool) *CapacityRepository {
	return &CapacityRepository{pool: pool}
}

func (r *CapacityRepository) LoadRules(ctx context.Context) ([]capacity.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_time, end_time, max_patients
		FROM capacity_rules
		ORDER BY weekday, start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []capacity.Rule
	for rows.Next() {
		var rule capacity.Rule
		if err := rows.Scan(&rule.Weekday, &rule.Start, &rule.End, &rule.MaxPatients); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

const capacityRulesKey = "fisioagenda:capacity:rules"

// CachedCapacity is a read-through cache in front of CapacityRepository.
// Lookups hit an in-process resolver refreshed from Redis; Redis misses fall
// back to Postgres and repopulate the shared key, so every service instance
// sees a rule change within the TTL or immediately after Invalidate.
type CachedCapacity struct {
	repo   *CapacityRepository
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	resolver *capacity.Resolver
	expires  time.Time
}

func NewCachedCapacity(repo *CapacityRepository, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedCapacity {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCapacity{repo: repo, rdb: rdb, ttl: ttl, logger: logger}
}

// Capacity and MinForInterval satisfy the engine's capacity source. When the
// rules cannot be loaded at all, they answer with the default ceiling of one
// patient per slot, which blocks double-booking rather than allowing it.
func (c *CachedCapacity) Capacity(weekday time.Weekday, clock string) int {
	return c.resolve().Capacity(weekday, clock)
}

func (c *CachedCapacity) MinForInterval(weekday time.Weekday, clock string, durationMin int) int {
	return c.resolve().MinForInterval(weekday, clock, durationMin)
}

func (c *CachedCapacity) resolve() *capacity.Resolver {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.current(ctx)
	if err != nil {
		c.logger.Error("capacity rules unavailable, using default ceiling", "error", err)
		return capacity.NewResolver(nil)
	}
	return res
}

// Invalidate drops both cache layers. Called when a rule-change event
// arrives; the next lookup reloads from Postgres.
func (c *CachedCapacity) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.resolver = nil
	c.expires = time.Time{}
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, capacityRulesKey).Err(); err != nil {
			c.logger.Warn("capacity cache invalidation failed", "error", err)
		}
	}
}

func (c *CachedCapacity) current(ctx context.Context) (*capacity.Resolver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil && time.Now().Before(c.expires) {
		return c.resolver, nil
	}

	rules, ok := c.fromRedis(ctx)
	if !ok {
		var err error
		rules, err = c.repo.LoadRules(ctx)
		if err != nil {
			if c.resolver != nil {
				c.logger.Warn("capacity rule reload failed, serving stale rules", "error", err)
				return c.resolver, nil
			}
			return nil, err
		}
		c.toRedis(ctx, rules)
	}

	c.resolver = capacity.NewResolver(rules)
	c.expires = time.Now().Add(c.ttl)
	return c.resolver, nil
}

func (c *CachedCapacity) fromRedis(ctx context.Context) ([]capacity.Rule, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, capacityRulesKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("capacity cache read failed", "error", err)
		}
		return nil, false
	}
	var rules []capacity.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		c.logger.Warn("capacity cache entry corrupt, dropping", "error", err)
		_ = c.rdb.Del(ctx, capacityRulesKey).Err()
		return nil, false
	}
	return rules, true
}

func (c *CachedCapacity) toRedis(ctx context.Context, rules []capacity.Rule) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, capacityRulesKey, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("capacity cache write failed", "error", err)
	}
}
