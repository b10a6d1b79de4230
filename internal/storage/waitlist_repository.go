package storage

import (
	"context"
	"time"

	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/libs/db"
)

type WaitlistRepository struct {
	pool *db.Pool
}

func NewWaitlistRepository(pool *db.Pool) *WaitlistRepository {
	return &WaitlistRepository{pool: pool}
}

func (r *WaitlistRepository) Add(ctx context.Context, entry *model.WaitlistEntry) error {
	entry.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (id, patient_id, date, start_time, notes, created_at)
		VALUES ($1, $2, $3::date, $4, NULLIF($5, ''), $6)
	`, entry.ID, entry.PatientID, entry.Date, entry.StartTime, entry.Notes, entry.CreatedAt)
	return err
}

// ListForDate is used by the front desk when a slot frees up.
func (r *WaitlistRepository) ListForDate(ctx context.Context, date string) ([]model.WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, to_char(date, 'YYYY-MM-DD'), start_time, COALESCE(notes, ''), created_at
		FROM waitlist_entries
		WHERE date = $1::date
		ORDER BY created_at ASC
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WaitlistEntry
	for rows.Next() {
		var e model.WaitlistEntry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.Date, &e.StartTime, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
