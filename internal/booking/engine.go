package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tmcarvalho/fisioagenda/internal/conflict"
	"github.com/tmcarvalho/fisioagenda/internal/ledger"
	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/internal/slot"
)

// AppointmentStore is the persistence collaborator. Implementations must
// make Create/Update fail with ErrConcurrentModification when an optimistic
// check (version token or slot uniqueness) detects a racing write.
type AppointmentStore interface {
	ListByDate(ctx context.Context, date string) ([]model.Appointment, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	Create(ctx context.Context, appt *model.Appointment) error
	Update(ctx context.Context, appt *model.Appointment) error
}

type WaitlistStore interface {
	Add(ctx context.Context, entry *model.WaitlistEntry) error
}

// CapacitySource answers capacity lookups; satisfied by capacity.Resolver
// and by the cached configuration repository.
type CapacitySource interface {
	Capacity(weekday time.Weekday, clock string) int
	MinForInterval(weekday time.Weekday, clock string, durationMin int) int
}

// Auditor receives scheduling events for the audit trail. Implementations
// must not block the decision; failures are theirs to log.
type Auditor interface {
	AppointmentBooked(ctx context.Context, appt model.Appointment)
	AppointmentOverbooked(ctx context.Context, appt model.Appointment, conflictCount, capacity int)
	AppointmentCancelled(ctx context.Context, appt model.Appointment)
	WaitlistAdded(ctx context.Context, entry model.WaitlistEntry)
	PackageConsumed(ctx context.Context, receipt ledger.Receipt)
}

// Resolution is the caller's choice after an overflow prompt.
type Resolution string

const (
	ResolveScheduleAnyway Resolution = "schedule_anyway"
	ResolveWaitlist       Resolution = "waitlist"
	ResolveChooseAnother  Resolution = "choose_another"
)

type Outcome string

const (
	OutcomeApproved   Outcome = "approved"
	OutcomeOverflow   Outcome = "overflow_prompt"
	OutcomeWaitlisted Outcome = "waitlisted"
	OutcomeCancelled  Outcome = "cancelled"
)

// Request is a single booking attempt. Resolution is empty on the first
// pass; after an OutcomeOverflow the caller re-submits the same candidate
// with the user's choice.
type Request struct {
	Appointment model.Appointment
	Edit        bool
	Resolution  Resolution
}

// Decision is the engine's answer for one attempt.
type Decision struct {
	Outcome     Outcome
	Appointment *model.Appointment // persisted record when Outcome is approved
	Conflicts   conflict.Result
	Capacity    int
	Receipt     *ledger.Receipt
	Waitlisted  *model.WaitlistEntry
}

const (
	minDurationMin = 15
	maxDurationMin = 240
)

// Engine classifies booking attempts against the practice's capacity
// configuration and drives the overflow workflow.
type Engine struct {
	appointments AppointmentStore
	waitlist     WaitlistStore
	capacity     CapacitySource
	ledger       ledger.Ledger
	auditor      Auditor
	logger       *slog.Logger
}

func NewEngine(appointments AppointmentStore, waitlist WaitlistStore, capacity CapacitySource, sessions ledger.Ledger, auditor Auditor, logger *slog.Logger) *Engine {
	return &Engine{
		appointments: appointments,
		waitlist:     waitlist,
		capacity:     capacity,
		ledger:       sessions,
		auditor:      auditor,
		logger:       logger,
	}
}

// Decide runs one attempt through Evaluating and, depending on occupancy and
// the caller's resolution, lands on Approved, OverflowPrompt, Waitlisted or
// Cancelled. Only Approved and Waitlisted have side effects.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := e.validate(ctx, req); err != nil {
		return Decision{}, err
	}
	appt := req.Appointment
	if appt.Status == "" {
		appt.Status = model.StatusScheduled
	}

	day, err := appt.Day()
	if err != nil {
		return Decision{}, invalid("date", err.Error())
	}

	snapshot, err := e.appointments.ListByDate(ctx, appt.Date)
	if err != nil {
		return Decision{}, fmt.Errorf("load day snapshot: %w", err)
	}

	cand := conflict.Candidate{
		Date:        appt.Date,
		StartTime:   appt.StartTime,
		DurationMin: appt.DurationMin,
		TherapistID: appt.TherapistID,
	}
	if req.Edit {
		cand.ExcludeID = appt.ID
	}
	conflicts, err := conflict.Detect(cand, snapshot)
	if err != nil {
		return Decision{}, invalid("time", err.Error())
	}

	max := e.capacity.MinForInterval(day.Weekday(), appt.StartTime, appt.DurationMin)
	decision := Decision{Conflicts: conflicts, Capacity: max}

	if conflicts.Count < max {
		return e.approve(ctx, decision, appt, req.Edit, false)
	}

	switch req.Resolution {
	case ResolveScheduleAnyway:
		return e.approve(ctx, decision, appt, req.Edit, true)
	case ResolveWaitlist:
		entry := model.WaitlistEntry{
			ID:        uuid.NewString(),
			PatientID: appt.PatientID,
			Date:      appt.Date,
			StartTime: appt.StartTime,
		}
		if err := e.waitlist.Add(ctx, &entry); err != nil {
			return Decision{}, fmt.Errorf("add waitlist entry: %w", err)
		}
		e.auditor.WaitlistAdded(ctx, entry)
		decision.Outcome = OutcomeWaitlisted
		decision.Waitlisted = &entry
		return decision, nil
	case ResolveChooseAnother:
		decision.Outcome = OutcomeCancelled
		return decision, nil
	default:
		// Capacity reached and no resolution picked yet: report occupancy and
		// let the caller choose. Never silently approve past the ceiling.
		decision.Outcome = OutcomeOverflow
		return decision, nil
	}
}

func (e *Engine) approve(ctx context.Context, decision Decision, appt model.Appointment, edit, overbooked bool) (Decision, error) {
	appt.Overbooked = overbooked
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}

	var err error
	if edit {
		// Callers that track versions send one; everyone else gets the stored
		// version so the optimistic check still catches writes racing between
		// this load and the update.
		if appt.Version == 0 {
			stored, gerr := e.appointments.Get(ctx, appt.ID)
			if gerr != nil {
				return Decision{}, gerr
			}
			appt.Version = stored.Version
			appt.CreatedAt = stored.CreatedAt
		}
		err = e.appointments.Update(ctx, &appt)
	} else {
		err = e.appointments.Create(ctx, &appt)
	}
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("persist appointment: %w", err)
	}

	if overbooked {
		e.auditor.AppointmentOverbooked(ctx, appt, decision.Conflicts.Count, decision.Capacity)
	} else {
		e.auditor.AppointmentBooked(ctx, appt)
	}

	decision.Outcome = OutcomeApproved
	decision.Appointment = &appt

	if appt.PaymentStatus == model.PaymentPaidPackage && model.ConsumesPackageSession(appt.Status) {
		receipt, err := e.ledger.Consume(ctx, appt.PackageID, appt.ID)
		if err != nil {
			// The appointment is already committed; the balance raced to
			// zero between the precheck and here. Surface the error so the
			// caller can switch the payment or compensate.
			return decision, fmt.Errorf("consume package session: %w", err)
		}
		decision.Receipt = &receipt
		e.auditor.PackageConsumed(ctx, receipt)
	}
	return decision, nil
}

// Cancel transitions an appointment to cancelled, freeing its slot, and
// credits back a debited package session. Records are never deleted.
func (e *Engine) Cancel(ctx context.Context, appointmentID string) (model.Appointment, error) {
	if appointmentID == "" {
		return model.Appointment{}, invalid("appointment_id", "required")
	}
	appt, err := e.appointments.Get(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status == model.StatusCancelled {
		return appt, nil
	}

	appt.Status = model.StatusCancelled
	if err := e.appointments.Update(ctx, &appt); err != nil {
		return model.Appointment{}, err
	}
	e.auditor.AppointmentCancelled(ctx, appt)

	if appt.PaymentStatus == model.PaymentPaidPackage && appt.PackageID != "" {
		if _, err := e.ledger.Refund(ctx, appt.PackageID, appt.ID); err != nil && !errors.Is(err, ledger.ErrPackageNotFound) {
			e.logger.Error("package refund failed", "appointment_id", appt.ID, "package_id", appt.PackageID, "err", err)
		}
	}
	return appt, nil
}

func (e *Engine) validate(ctx context.Context, req Request) error {
	appt := req.Appointment

	if appt.PatientID == "" {
		return invalid("patient_id", "required")
	}
	if appt.Date == "" {
		return invalid("date", "required")
	}
	if _, err := slot.ParseDate(appt.Date); err != nil {
		return invalid("date", fmt.Sprintf("must be %s", model.DateLayout))
	}
	if appt.StartTime == "" {
		return invalid("start_time", "required")
	}
	if _, err := slot.ParseClock(appt.StartTime); err != nil {
		return invalid("start_time", "must be HH:MM")
	}
	if appt.DurationMin < minDurationMin || appt.DurationMin > maxDurationMin {
		return invalid("duration", fmt.Sprintf("must be between %d and %d minutes", minDurationMin, maxDurationMin))
	}
	if !req.Edit && appt.TherapistID == "" {
		return invalid("therapist_id", "required for new bookings")
	}
	if req.Edit && appt.ID == "" {
		return invalid("id", "required when editing")
	}
	if appt.Status != "" && !model.ValidStatus(appt.Status) {
		return invalid("status", fmt.Sprintf("unknown status %q", appt.Status))
	}
	if appt.Recurring {
		if appt.RecurringUntil == "" {
			return invalid("recurring_until", "required when recurrence is enabled")
		}
		until, err := slot.ParseDate(appt.RecurringUntil)
		if err != nil {
			return invalid("recurring_until", fmt.Sprintf("must be %s", model.DateLayout))
		}
		day, _ := appt.Day()
		if !until.After(day) {
			return invalid("recurring_until", "must be after the appointment date")
		}
	}

	if appt.PaymentStatus == model.PaymentPaidPackage {
		if appt.PackageID == "" {
			return invalid("package_id", "required for package payment")
		}
		balance, err := e.ledger.Balance(ctx, appt.PackageID)
		if err != nil {
			return fmt.Errorf("check package balance: %w", err)
		}
		if balance <= 0 {
			return fmt.Errorf("package %s: %w", appt.PackageID, ledger.ErrInsufficientBalance)
		}
	}
	return nil
}
