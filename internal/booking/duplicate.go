package booking

import (
	"context"

	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/internal/slot"
)

// DuplicateConfig selects the target dates for a duplication and which
// fields travel with the copy. Fields not carried reset to their defaults
// instead of being left dangling.
type DuplicateConfig struct {
	Dates []string
	// KeepSourceTime reuses the source's start time. When false, NewTime
	// must carry an explicit value.
	KeepSourceTime bool
	NewTime        string
	CarryNotes     bool
	CarryEquipment bool
	CarryPayment   bool
}

// DuplicateDrafts produces one draft per target date. Drafts always restart
// the lifecycle at scheduled, regardless of the source's status.
func DuplicateDrafts(source model.Appointment, cfg DuplicateConfig) ([]model.Appointment, error) {
	if len(cfg.Dates) == 0 {
		return nil, invalid("dates", "at least one target date required")
	}
	startTime := source.StartTime
	if !cfg.KeepSourceTime {
		if cfg.NewTime == "" {
			return nil, invalid("new_time", "required when not keeping the source time")
		}
		if _, err := slot.ParseClock(cfg.NewTime); err != nil {
			return nil, invalid("new_time", "must be HH:MM")
		}
		startTime = cfg.NewTime
	}

	drafts := make([]model.Appointment, 0, len(cfg.Dates))
	for _, date := range cfg.Dates {
		if _, err := slot.ParseDate(date); err != nil {
			return nil, invalid("dates", err.Error())
		}
		draft := model.Appointment{
			PatientID:   source.PatientID,
			TherapistID: source.TherapistID,
			Date:        date,
			StartTime:   startTime,
			DurationMin: source.DurationMin,
			Type:        source.Type,
			Status:      model.StatusScheduled,
		}
		if cfg.CarryNotes {
			draft.Notes = source.Notes
		}
		if cfg.CarryEquipment {
			draft.Equipment = append([]string(nil), source.Equipment...)
		}
		if cfg.CarryPayment {
			draft.PaymentStatus = source.PaymentStatus
			draft.PackageID = source.PackageID
		} else {
			draft.PaymentStatus = model.PaymentPending
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// BookDuplicates generates the drafts and decides each one independently.
// The summary reports successes and overflows; a full rollback never
// happens.
func (e *Engine) BookDuplicates(ctx context.Context, source model.Appointment, cfg DuplicateConfig) ([]ItemResult, BatchSummary, error) {
	drafts, err := DuplicateDrafts(source, cfg)
	if err != nil {
		return nil, BatchSummary{}, err
	}

	results := make([]ItemResult, 0, len(drafts))
	for i, draft := range drafts {
		if err := ctx.Err(); err != nil {
			return results, summarize(results), err
		}
		decision, err := e.Decide(ctx, Request{Appointment: draft})
		results = append(results, ItemResult{Index: i, Date: draft.Date, Decision: decision, Err: err})
	}
	return results, summarize(results), nil
}
