package booking

import (
	"context"

	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/internal/slot"
)

// ItemResult is the per-occurrence outcome of a batch operation. A batch is
// never a transaction: one occurrence hitting capacity or a store error
// leaves the others untouched.
type ItemResult struct {
	Index    int
	Date     string
	Decision Decision
	Err      error
}

// BatchSummary aggregates a batch run for the caller's report.
type BatchSummary struct {
	Total      int
	Approved   int
	Overflowed int
	Failed     int
}

// PartialFailure reports whether some but not all items went through.
func (s BatchSummary) PartialFailure() bool {
	return s.Approved > 0 && s.Approved < s.Total
}

func summarize(results []ItemResult) BatchSummary {
	s := BatchSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Failed++
		case r.Decision.Outcome == OutcomeApproved:
			s.Approved++
		case r.Decision.Outcome == OutcomeOverflow:
			s.Overflowed++
		default:
			s.Failed++
		}
	}
	return s
}

// ExpandRecurring turns a weekly-recurring appointment into concrete drafts,
// one per 7-day step after the base date, up to and including until. The
// base itself is not part of the series.
func ExpandRecurring(base model.Appointment, until string) ([]model.Appointment, error) {
	if until == "" {
		return nil, invalid("recurring_until", "required when recurrence is enabled")
	}
	start, err := slot.ParseDate(base.Date)
	if err != nil {
		return nil, invalid("date", err.Error())
	}
	end, err := slot.ParseDate(until)
	if err != nil {
		return nil, invalid("recurring_until", err.Error())
	}
	if !end.After(start) {
		return nil, invalid("recurring_until", "must be after the appointment date")
	}

	var drafts []model.Appointment
	for d := start.AddDate(0, 0, 7); !d.After(end); d = d.AddDate(0, 0, 7) {
		draft := base
		draft.ID = ""
		draft.Date = d.Format(model.DateLayout)
		draft.Recurring = false
		draft.RecurringUntil = ""
		draft.Overbooked = false
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// BookRecurring expands the base appointment and runs every occurrence
// through Decide independently, collecting per-item results.
func (e *Engine) BookRecurring(ctx context.Context, base model.Appointment, until string) ([]ItemResult, BatchSummary, error) {
	drafts, err := ExpandRecurring(base, until)
	if err != nil {
		return nil, BatchSummary{}, err
	}

	// Occurrences stay independent: an error on one is recorded in its item
	// and the rest are still attempted.
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
