package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/tmcarvalho/fisioagenda/internal/audit"
	"github.com/tmcarvalho/fisioagenda/internal/booking"
	"github.com/tmcarvalho/fisioagenda/internal/consumer"
	"github.com/tmcarvalho/fisioagenda/internal/handlers"
	"github.com/tmcarvalho/fisioagenda/internal/inbox"
	"github.com/tmcarvalho/fisioagenda/internal/ledger"
	"github.com/tmcarvalho/fisioagenda/internal/outbox"
	"github.com/tmcarvalho/fisioagenda/internal/storage"
	"github.com/tmcarvalho/fisioagenda/libs/config"
	"github.com/tmcarvalho/fisioagenda/libs/db"
	"github.com/tmcarvalho/fisioagenda/libs/httpx"
	"github.com/tmcarvalho/fisioagenda/libs/kafkax"
	otelx "github.com/tmcarvalho/fisioagenda/libs/otel"
	"github.com/tmcarvalho/fisioagenda/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, int32(config.Int("DB_MAX_CONNS", 10)))
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
	}

	appointmentRepo := storage.NewAppointmentRepository(pool)
	waitlistRepo := storage.NewWaitlistRepository(pool)
	capacityRepo := storage.NewCapacityRepository(pool)
	capacityCache := storage.NewCachedCapacity(capacityRepo, rdb,
		config.Seconds("CAPACITY_CACHE_TTL_SECONDS", 5*time.Minute), logger)
	sessionLedger := ledger.NewPostgres(pool)

	outboxRepo := outbox.NewRepository(pool)
	recorder := audit.NewRecorder(outboxRepo, logger)
	engine := booking.NewEngine(appointmentRepo, waitlistRepo, capacityCache, sessionLedger, recorder, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Seconds("OUTBOX_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	if brokers := strings.TrimSpace(config.String("KAFKA_BROKERS", "")); brokers != "" {
		inboxRepo := inbox.NewRepository(pool)
		rulesConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
			Topic:   outbox.EventCapacityRulesChanged,
		}, func(ctx context.Context, msg kafka.Message) error {
			capacityCache.Invalidate(ctx)
			logger.Info("capacity rules cache invalidated", "topic", msg.Topic)
			return nil
		})
		go rulesConsumer.Run(ctx)
	}

	schedulingHandler := handlers.NewSchedulingHandler(engine, appointmentRepo, waitlistRepo, sessionLedger, capacityCache, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/appointments", schedulingHandler.List)
	mux.HandleFunc("/api/v1/appointments/decide", schedulingHandler.Decide)
	mux.HandleFunc("/api/v1/appointments/recurring", schedulingHandler.Recurring)
	mux.HandleFunc("/api/v1/appointments/duplicate", schedulingHandler.Duplicate)
	mux.HandleFunc("/api/v1/appointments/cancel", schedulingHandler.Cancel)
	mux.HandleFunc("/api/v1/capacity", schedulingHandler.Capacity)
	mux.HandleFunc("/api/v1/waitlist", schedulingHandler.Waitlist)
	mux.HandleFunc("/api/v1/packages/consume", schedulingHandler.ConsumePackage)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if origins := strings.TrimSpace(config.String("CORS_ALLOWED_ORIGINS", "")); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         10 * time.Minute,
		}))
	}
	rateLimit := config.Int("RATE_LIMIT_PER_MINUTE", 300)
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb, rateLimit, time.Minute, service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		limiter := httpx.NewRateLimiter(rateLimit, time.Minute)
		middlewares = append(middlewares, limiter.Middleware())
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
