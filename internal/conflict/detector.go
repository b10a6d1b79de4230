package conflict

import (
	"sort"

	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/internal/slot"
)

// Candidate describes the interval a booking attempt wants to occupy.
type Candidate struct {
	Date        string
	StartTime   string
	DurationMin int
	// TherapistID, when set, restricts the check to that therapist's agenda.
	// Two therapists seeing different patients at the same time is not a
	// conflict.
	TherapistID string
	// ExcludeID removes the appointment being edited from the snapshot so a
	// resubmission never conflicts with itself.
	ExcludeID string
}

// Result reports occupancy for a candidate interval. It carries no policy:
// whether Count conflicts is for the decision engine to judge against the
// configured capacity.
type Result struct {
	HasConflict bool
	Conflicting []model.Appointment
	Count       int
}

// Detect returns every non-cancelled appointment in existing that overlaps
// the candidate interval, ordered by start time.
func Detect(c Candidate, existing []model.Appointment) (Result, error) {
	want := slot.Slot{Date: c.Date, Start: c.StartTime, DurationMin: c.DurationMin}
	if _, _, err := want.Range(); err != nil {
		return Result{}, err
	}

	var hits []model.Appointment
	for _, appt := range existing {
		if appt.Date != c.Date {
			continue
		}
		if c.ExcludeID != "" && appt.ID == c.ExcludeID {
			continue
		}
		if !appt.OccupiesCapacity() {
			continue
		}
		if c.TherapistID != "" && appt.TherapistID != "" && appt.TherapistID != c.TherapistID {
			continue
		}
		overlaps, err := slot.Overlaps(want, slot.FromAppointment(appt))
		if err != nil {
			// Malformed stored records are skipped rather than blocking the
			// whole decision; the storage layer validates on write.
			continue
		}
		if overlaps {
			hits = append(hits, appt)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].StartTime < hits[j].StartTime
	})

	return Result{
		HasConflict: len(hits) > 0,
		Conflicting: hits,
		Count:       len(hits),
	}, nil
}
