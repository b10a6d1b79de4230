package booking

import (
	"context"
	"testing"

	"github.com/tmcarvalho/fisioagenda/internal/model"
)

func recurringBase() model.Appointment {
	return model.Appointment{
		PatientID:   "p1",
		TherapistID: "t1",
		Date:        "2026-02-24",
		StartTime:   "10:00",
		DurationMin: 60,
		Type:        "Fisioterapia",
	}
}

func TestExpandRecurring_WeeklyCadence(t *testing.T) {
	drafts, err := ExpandRecurring(recurringBase(), "2026-03-17")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{"2026-03-03", "2026-03-10", "2026-03-17"}
	if len(drafts) != len(want) {
		t.Fatalf("got %d drafts, want %d", len(drafts), len(want))
	}
	for i, d := range drafts {
		if d.Date != want[i] {
			t.Fatalf("draft %d date = %s, want %s", i, d.Date, want[i])
		}
		if d.StartTime != "10:00" || d.DurationMin != 60 || d.TherapistID != "t1" {
			t.Fatalf("draft %d did not preserve time/duration/therapist: %+v", i, d)
		}
		if d.Recurring || d.RecurringUntil != "" {
			t.Fatalf("draft %d must not itself be recurring", i)
		}
	}
}

func TestExpandRecurring_UntilBeforeNextWeek(t *testing.T) {
	// End date after the base but before the first weekly step: empty series.
	drafts, err := ExpandRecurring(recurringBase(), "2026-02-28")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(drafts) != 0 {
		t.Fatalf("got %d drafts, want none", len(drafts))
	}
}

func TestExpandRecurring_RequiresEndDate(t *testing.T) {
	if _, err := ExpandRecurring(recurringBase(), ""); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error for missing end date", err)
	}
	if _, err := ExpandRecurring(recurringBase(), "2026-02-24"); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error for end on base date", err)
	}
	if _, err := ExpandRecurring(recurringBase(), "2026-01-01"); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error for end before base", err)
	}
}

func TestBookRecurring_PartialSuccess(t *testing.T) {
	// The second occurrence (2026-03-10) is already taken; capacity is 1.
	env := newTestEnv(t, nil, nil, model.Appointment{
		ID: "busy", PatientID: "p9", Date: "2026-03-10", StartTime: "10:00",
		DurationMin: 60, Status: model.StatusScheduled,
	})

	results, summary, err := env.engine.BookRecurring(context.Background(), recurringBase(), "2026-03-17")
	if err != nil {
		t.Fatalf("book recurring: %v", err)
	}
	if summary.Total != 3 || summary.Approved != 2 || summary.Overflowed != 1 {
		t.Fatalf("summary = %+v, want 2 approved / 1 overflowed of 3", summary)
	}
	if !summary.PartialFailure() {
		t.Fatal("partial success must be reported as such")
	}
	if results[1].Decision.Outcome != OutcomeOverflow {
		t.Fatalf("occurrence 2 outcome = %s, want overflow", results[1].Decision.Outcome)
	}
	// A capacity hit on one occurrence blocks neither neighbours.
	if results[0].Decision.Outcome != OutcomeApproved || results[2].Decision.Outcome != OutcomeApproved {
		t.Fatal("occurrences 1 and 3 must be approved independently")
	}
}
