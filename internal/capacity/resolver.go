package capacity

import (
	"sort"
	"time"

	"github.com/tmcarvalho/fisioagenda/internal/slot"
)

// DefaultCapacity applies when no rule is configured at all: one patient per
// slot, i.e. no double-booking.
const DefaultCapacity = 1

// Rule caps concurrent appointments inside a weekly time window. A rule
// covering the whole day (00:00-24:00) acts as that weekday's default.
type Rule struct {
	Weekday     time.Weekday
	Start       string // ClockLayout, inclusive
	End         string // ClockLayout, exclusive; "24:00" allowed as end of day
	MaxPatients int
}

const endOfDay = 24 * 60

func (r Rule) bounds() (int, int, bool) {
	start, err := slot.ParseClock(r.Start)
	if err != nil {
		return 0, 0, false
	}
	var end int
	if r.End == "24:00" {
		end = endOfDay
	} else {
		end, err = slot.ParseClock(r.End)
		if err != nil {
			return 0, 0, false
		}
	}
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}

// Resolver answers capacity lookups from a fixed rule set. It is a pure view
// over configuration: no side effects, identical inputs give identical
// answers.
type Resolver struct {
	rules []Rule
}

func NewResolver(rules []Rule) *Resolver {
	rs := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.MaxPatients < 1 {
			continue
		}
		if _, _, ok := r.bounds(); !ok {
			continue
		}
		rs = append(rs, r)
	}
	// Narrower windows sort first so the most specific match wins.
	sort.SliceStable(rs, func(i, j int) bool {
		iStart, iEnd, _ := rs[i].bounds()
		jStart, jEnd, _ := rs[j].bounds()
		return iEnd-iStart < jEnd-jStart
	})
	return &Resolver{rules: rs}
}

// Capacity returns the ceiling for a booking starting at clock on the given
// weekday. Precedence: most specific window containing the start, then a
// whole-day rule for that weekday, then DefaultCapacity.
func (r *Resolver) Capacity(weekday time.Weekday, clock string) int {
	at, err := slot.ParseClock(clock)
	if err != nil {
		return DefaultCapacity
	}
	return r.capacityAt(weekday, at)
}

func (r *Resolver) capacityAt(weekday time.Weekday, minute int) int {
	for _, rule := range r.rules {
		if rule.Weekday != weekday {
			continue
		}
		start, end, _ := rule.bounds()
		if minute >= start && minute < end {
			return rule.MaxPatients
		}
	}
	return DefaultCapacity
}

// MinForInterval returns the tightest ceiling across the whole booking
// interval. A long session spanning a restricted window is held to that
// window's limit, matching how the calendar flags overbooking.
func (r *Resolver) MinForInterval(weekday time.Weekday, clock string, durationMin int) int {
	start, err := slot.ParseClock(clock)
	if err != nil || durationMin <= 0 {
		return DefaultCapacity
	}
	min := r.capacityAt(weekday, start)
	for m := start + 1; m < start+durationMin && m < endOfDay; m++ {
		if c := r.capacityAt(weekday, m); c < min {
			min = c
		}
	}
	return min
}
