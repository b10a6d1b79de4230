package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tmcarvalho/fisioagenda/internal/ledger"
	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/internal/outbox"
)

// Recorder turns scheduling decisions into outbox events. Writes are
// best-effort from the engine's point of view: a failed audit write is logged
// and never fails the booking that triggered it.
type Recorder struct {
	repo   *outbox.Repository
	logger *slog.Logger
}

func NewRecorder(repo *outbox.Repository, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

type appointmentPayload struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	TherapistID   string `json:"therapist_id,omitempty"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	DurationMin   int    `json:"duration_min"`
	Status        string `json:"status"`
	Overbooked    bool   `json:"overbooked,omitempty"`
	ConflictCount int    `json:"conflict_count,omitempty"`
	Capacity      int    `json:"capacity,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

func (r *Recorder) AppointmentBooked(ctx context.Context, appt model.Appointment) {
	r.emit(ctx, outbox.EventAppointmentBooked, appt.ID, appointmentPayload{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		TherapistID:   appt.TherapistID,
		Date:          appt.Date,
		StartTime:     appt.StartTime,
		DurationMin:   appt.DurationMin,
		Status:        string(appt.Status),
		OccurredAt:    now(),
	})
}

func (r *Recorder) AppointmentOverbooked(ctx context.Context, appt model.Appointment, conflictCount, capacity int) {
	r.emit(ctx, outbox.EventAppointmentOverbooked, appt.ID, appointmentPayload{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		TherapistID:   appt.TherapistID,
		Date:          appt.Date,
		StartTime:     appt.StartTime,
		DurationMin:   appt.DurationMin,
		Status:        string(appt.Status),
		Overbooked:    true,
		ConflictCount: conflictCount,
		Capacity:      capacity,
		OccurredAt:    now(),
	})
}

func (r *Recorder) AppointmentCancelled(ctx context.Context, appt model.Appointment) {
	r.emit(ctx, outbox.EventAppointmentCancelled, appt.ID, appointmentPayload{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		TherapistID:   appt.TherapistID,
		Date:          appt.Date,
		StartTime:     appt.StartTime,
		DurationMin:   appt.DurationMin,
		Status:        string(appt.Status),
		OccurredAt:    now(),
	})
}

func (r *Recorder) WaitlistAdded(ctx context.Context, entry model.WaitlistEntry) {
	r.emit(ctx, outbox.EventWaitlistAdded, entry.ID, map[string]any{
		"waitlist_id": entry.ID,
		"patient_id":  entry.PatientID,
		"date":        entry.Date,
		"start_time":  entry.StartTime,
		"occurred_at": now(),
	})
}

func (r *Recorder) PackageConsumed(ctx context.Context, receipt ledger.Receipt) {
	r.emit(ctx, outbox.EventPackageConsumed, receipt.PackageID, map[string]any{
		"package_id":         receipt.PackageID,
		"appointment_id":     receipt.AppointmentID,
		"sessions_remaining": receipt.SessionsRemaining,
		"exhausted":          receipt.Exhausted,
		"occurred_at":        now(),
	})
}

func (r *Recorder) emit(ctx context.Context, eventType, aggregateID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("audit payload marshal failed", "event_type", eventType, "err", err)
		return
	}
	evt := outbox.Event{
		AggregateType: "appointment",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}
	if err := r.repo.InsertStandalone(ctx, evt); err != nil {
		r.logger.Error("audit event write failed", "event_type", eventType, "aggregate_id", aggregateID, "err", err)
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
