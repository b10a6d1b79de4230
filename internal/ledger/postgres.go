package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/tmcarvalho/fisioagenda/libs/db"
)

// Postgres enforces the ledger invariants in SQL: the consumption record and
// the conditional decrement commit in one transaction, so a crash between
// them can never double-debit, and concurrent completions serialize on the
// package row.
type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (l *Postgres) Consume(ctx context.Context, packageID, appointmentID string) (Receipt, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO package_consumptions (package_id, appointment_id)
		VALUES ($1, $2)
		ON CONFLICT (package_id, appointment_id) DO NOTHING
	`, packageID, appointmentID)
	if err != nil {
		return Receipt{}, err
	}

	if tag.RowsAffected() == 0 {
		// Second call for the same appointment: report, don't debit.
		remaining, exhausted, err := l.selectBalance(ctx, tx, packageID)
		if err != nil {
			return Receipt{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Receipt{}, err
		}
		return Receipt{
			PackageID:         packageID,
			AppointmentID:     appointmentID,
			SessionsRemaining: remaining,
			AlreadyConsumed:   true,
			Exhausted:         exhausted,
		}, nil
	}

	var remaining int
	err = tx.QueryRow(ctx, `
		UPDATE session_packages
		SET sessions_remaining = sessions_remaining - 1,
			status = CASE WHEN sessions_remaining - 1 = 0 THEN 'exhausted' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND sessions_remaining > 0
		RETURNING sessions_remaining
	`, packageID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Rolling back also discards the consumption row, so a later
			// retry after a top-up debits normally.
			if exists, existsErr := l.packageExists(ctx, packageID); existsErr == nil && !exists {
				return Receipt{}, ErrPackageNotFound
			}
			return Receipt{}, ErrInsufficientBalance
		}
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		PackageID:         packageID,
		AppointmentID:     appointmentID,
		SessionsRemaining: remaining,
		Exhausted:         remaining == 0,
	}, nil
}

func (l *Postgres) Refund(ctx context.Context, packageID, appointmentID string) (Receipt, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM package_consumptions
		WHERE package_id = $1 AND appointment_id = $2
	`, packageID, appointmentID)
	if err != nil {
		return Receipt{}, err
	}

	remaining := 0
	if tag.RowsAffected() == 0 {
		remaining, _, err = l.selectBalance(ctx, tx, packageID)
		if err != nil {
			return Receipt{}, err
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE session_packages
			SET sessions_remaining = LEAST(sessions_remaining + 1, total_sessions),
				status = CASE WHEN status = 'exhausted' THEN 'active' ELSE status END,
				updated_at = now()
			WHERE id = $1
			RETURNING sessions_remaining
		`, packageID).Scan(&remaining)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Receipt{}, ErrPackageNotFound
			}
			return Receipt{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		PackageID:         packageID,
		AppointmentID:     appointmentID,
		SessionsRemaining: remaining,
	}, nil
}

func (l *Postgres) Balance(ctx context.Context, packageID string) (int, error) {
	var remaining int
	err := l.pool.QueryRow(ctx, `
		SELECT sessions_remaining FROM session_packages WHERE id = $1
	`, packageID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrPackageNotFound
	}
	return remaining, err
}

func (l *Postgres) selectBalance(ctx context.Context, tx pgx.Tx, packageID string) (int, bool, error) {
	var remaining int
	var status string
	err := tx.QueryRow(ctx, `
		SELECT sessions_remaining, status FROM session_packages WHERE id = $1
	`, packageID).Scan(&remaining, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrPackageNotFound
	}
	return remaining, status == "exhausted", err
}

func (l *Postgres) packageExists(ctx context.Context, packageID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM session_packages WHERE id = $1)
	`, packageID).Scan(&exists)
	return exists, err
}
