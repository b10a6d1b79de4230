package slot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tmcarvalho/fisioagenda/internal/model"
)

// Slot is a bookable interval: a calendar day plus a clock start and a
// duration. It is derived from an appointment, never persisted on its own.
type Slot struct {
	Date        string // model.DateLayout
	Start       string // model.ClockLayout
	DurationMin int
}

func FromAppointment(a model.Appointment) Slot {
	return Slot{Date: a.Date, Start: a.StartTime, DurationMin: a.DurationMin}
}

// Range returns the slot's [start, end) bounds in minutes from midnight.
func (s Slot) Range() (int, int, error) {
	if s.DurationMin <= 0 {
		return 0, 0, fmt.Errorf("duration must be positive (got %d)", s.DurationMin)
	}
	start, err := ParseClock(s.Start)
	if err != nil {
		return 0, 0, err
	}
	return start, start + s.DurationMin, nil
}

// Overlaps reports whether a and b intersect as half-open intervals on the
// same calendar day. Touching endpoints (one ends exactly when the other
// starts) do not overlap.
func Overlaps(a, b Slot) (bool, error) {
	if a.Date != b.Date {
		return false, nil
	}
	aStart, aEnd, err := a.Range()
	if err != nil {
		return false, err
	}
	bStart, bEnd, err := b.Range()
	if err != nil {
		return false, err
	}
	return aStart < bEnd && bStart < aEnd, nil
}

// ParseClock converts "HH:MM" to minutes from midnight.
func ParseClock(clock string) (int, error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	return h*60 + m, nil
}

// ParseDate validates a calendar day in the storage layout.
func ParseDate(date string) (time.Time, error) {
	return time.Parse(model.DateLayout, date)
}
