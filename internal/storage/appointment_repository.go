package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tmcarvalho/fisioagenda/internal/booking"
	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/libs/db"
)

var ErrNotFound = errors.New("record not found")

// AppointmentRepository persists appointments. Concurrency control is
// optimistic: every row carries a version; the schema additionally holds an
// exclusion constraint on (therapist_id, date, slot range) for agendas
// configured with capacity 1, so two racing capacity-1 approvals cannot both
// commit.
type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

const appointmentColumns = `
	id, patient_id, COALESCE(therapist_id::text, ''), to_char(date, 'YYYY-MM-DD'),
	start_time, duration_min, type, status, payment_status,
	COALESCE(package_id::text, ''), recurring,
	COALESCE(to_char(recurring_until, 'YYYY-MM-DD'), ''), COALESCE(notes, ''),
	equipment, reminder_min, overbooked, version, created_at, updated_at`

func (r *AppointmentRepository) Create(ctx context.Context, appt *model.Appointment) error {
	appt.Version = 1
	now := time.Now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments
			(id, patient_id, therapist_id, date, start_time, duration_min, type, status,
			 payment_status, package_id, recurring, recurring_until, notes,
			 equipment, reminder_min, overbooked, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4::date, $5, $6, $7, $8,
			$9, NULLIF($10, ''), $11, NULLIF($12, '')::date, $13,
			$14, $15, $16, $17, $18, $19)
	`, appt.ID, appt.PatientID, appt.TherapistID, appt.Date, appt.StartTime,
		appt.DurationMin, appt.Type, appt.Status, appt.PaymentStatus, appt.PackageID,
		appt.Recurring, appt.RecurringUntil, appt.Notes, appt.Equipment,
		appt.ReminderMin, appt.Overbooked, appt.Version, appt.CreatedAt, appt.UpdatedAt)
	if err != nil {
		if isConstraintRace(err) {
			return fmt.Errorf("slot taken between read and write: %w", booking.ErrConcurrentModification)
		}
		return err
	}
	return nil
}

func (r *AppointmentRepository) Update(ctx context.Context, appt *model.Appointment) error {
	expected := appt.Version
	appt.Version++
	appt.UpdatedAt = time.Now().UTC()

	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET patient_id = $2,
			therapist_id = NULLIF($3, ''),
			date = $4::date,
			start_time = $5,
			duration_min = $6,
			type = $7,
			status = $8,
			payment_status = $9,
			package_id = NULLIF($10, ''),
			recurring = $11,
			recurring_until = NULLIF($12, '')::date,
			notes = $13,
			equipment = $14,
			reminder_min = $15,
			overbooked = $16,
			version = $17,
			updated_at = $18
		WHERE id = $1 AND version = $19
	`, appt.ID, appt.PatientID, appt.TherapistID, appt.Date, appt.StartTime,
		appt.DurationMin, appt.Type, appt.Status, appt.PaymentStatus, appt.PackageID,
		appt.Recurring, appt.RecurringUntil, appt.Notes, appt.Equipment,
		appt.ReminderMin, appt.Overbooked, appt.Version, appt.UpdatedAt, expected)
	if err != nil {
		appt.Version = expected
		if isConstraintRace(err) {
			return fmt.Errorf("slot taken between read and write: %w", booking.ErrConcurrentModification)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		appt.Version = expected
		var exists bool
		if err := r.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
		`, appt.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("version %d is stale: %w", expected, booking.ErrConcurrentModification)
	}
	return nil
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	return appt, err
}

// ListByDate returns the day snapshot conflict detection runs against,
// including cancelled records; occupancy filtering is the detector's call.
func (r *AppointmentRepository) ListByDate(ctx context.Context, date string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE date = $1::date
		ORDER BY start_time ASC
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY date DESC, start_time DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	err := row.Scan(
		&a.ID, &a.PatientID, &a.TherapistID, &a.Date,
		&a.StartTime, &a.DurationMin, &a.Type, &a.Status, &a.PaymentStatus,
		&a.PackageID, &a.Recurring, &a.RecurringUntil, &a.Notes,
		&a.Equipment, &a.ReminderMin, &a.Overbooked, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// isConstraintRace classifies the Postgres errors that mean "someone else
// won the slot": exclusion violations (23P01) and unique violations (23505).
func isConstraintRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01" || pgErr.Code == "23505"
}
