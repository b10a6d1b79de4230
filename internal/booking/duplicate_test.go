package booking

import (
	"context"
	"testing"

	"github.com/tmcarvalho/fisioagenda/internal/model"
)

func duplicateSource() model.Appointment {
	return model.Appointment{
		ID:            "src",
		PatientID:     "p1",
		TherapistID:   "t1",
		Date:          "2026-02-23", // Monday
		StartTime:     "10:00",
		DurationMin:   60,
		Type:          "Pilates Clínico",
		Status:        model.StatusCompleted,
		PaymentStatus: model.PaymentPaidSingle,
		Notes:         "progressão de carga",
		Equipment:     []string{"bola", "faixa"},
	}
}

func TestDuplicateDrafts_CarryFlags(t *testing.T) {
	src := duplicateSource()

	drafts, err := DuplicateDrafts(src, DuplicateConfig{
		Dates:          []string{"2026-03-02"},
		KeepSourceTime: true,
		CarryNotes:     true,
		CarryEquipment: true,
		CarryPayment:   true,
	})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	d := drafts[0]
	if d.Notes != src.Notes || len(d.Equipment) != 2 || d.PaymentStatus != model.PaymentPaidSingle {
		t.Fatalf("carried fields missing: %+v", d)
	}
	if d.Status != model.StatusScheduled {
		t.Fatalf("status = %s, duplicates always restart at scheduled", d.Status)
	}
	if d.ID != "" {
		t.Fatal("draft must not inherit the source ID")
	}

	drafts, err = DuplicateDrafts(src, DuplicateConfig{
		Dates:          []string{"2026-03-02"},
		KeepSourceTime: true,
	})
	if err != nil {
		t.Fatalf("duplicate without carry: %v", err)
	}
	d = drafts[0]
	if d.Notes != "" || d.Equipment != nil || d.PaymentStatus != model.PaymentPending {
		t.Fatalf("non-carried fields must reset to defaults: %+v", d)
	}
}

func TestDuplicateDrafts_TimeOverride(t *testing.T) {
	src := duplicateSource()

	drafts, err := DuplicateDrafts(src, DuplicateConfig{
		Dates:   []string{"2026-03-02"},
		NewTime: "16:30",
	})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if drafts[0].StartTime != "16:30" {
		t.Fatalf("start = %s, want override 16:30", drafts[0].StartTime)
	}

	// Not keeping the source time demands an explicit new one.
	if _, err := DuplicateDrafts(src, DuplicateConfig{Dates: []string{"2026-03-02"}}); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error for missing new time", err)
	}
	if _, err := DuplicateDrafts(src, DuplicateConfig{Dates: []string{"2026-03-02"}, NewTime: "noon"}); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error for malformed new time", err)
	}
}

func TestDuplicateDrafts_RequiresDates(t *testing.T) {
	if _, err := DuplicateDrafts(duplicateSource(), DuplicateConfig{KeepSourceTime: true}); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error for empty dates", err)
	}
}

func TestBookDuplicates_AggregateOutcome(t *testing.T) {
	// One of three Monday targets is already at capacity.
	env := newTestEnv(t, nil, nil, model.Appointment{
		ID: "busy", PatientID: "p9", Date: "2026-03-09", StartTime: "10:00",
		DurationMin: 60, Status: model.StatusScheduled,
	})

	results, summary, err := env.engine.BookDuplicates(context.Background(), duplicateSource(), DuplicateConfig{
		Dates:          []string{"2026-03-02", "2026-03-09", "2026-03-16"},
		KeepSourceTime: true,
	})
	if err != nil {
		t.Fatalf("book duplicates: %v", err)
	}
	if summary.Approved != 2 || summary.Overflowed != 1 {
		t.Fatalf("summary = %+v, want 2 approved / 1 overflowed", summary)
	}
	for _, r := range results {
		if r.Date == "2026-03-09" && r.Decision.Outcome != OutcomeOverflow {
			t.Fatalf("busy date outcome = %s, want overflow", r.Decision.Outcome)
		}
	}
}
