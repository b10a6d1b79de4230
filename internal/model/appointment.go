package model

import "time"

// Status values are stored exactly as the practice management frontend
// persists them (pt-BR identifiers).
type Status string

const (
	StatusScheduled    Status = "agendado"
	StatusConfirmed    Status = "confirmado"
	StatusAwaiting     Status = "aguardando_confirmacao"
	StatusInProgress   Status = "em_andamento"
	StatusWaiting      Status = "em_espera"
	StatusLate         Status = "atrasado"
	StatusCompleted    Status = "concluido"
	StatusRescheduled  Status = "remarcado"
	StatusCancelled    Status = "cancelado"
	StatusNoShow       Status = "falta"
	StatusEvaluation   Status = "avaliacao"
)

type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentPaidSingle  PaymentStatus = "paid_single"
	PaymentPaidPackage PaymentStatus = "paid_package"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Appointment is the persisted scheduling record. Date and StartTime are kept
// in the clinic's wall-clock representation; all capacity and conflict math
// operates on (date, start, duration) rather than absolute instants.
type Appointment struct {
	ID             string
	PatientID      string
	TherapistID    string
	Date           string // DateLayout
	StartTime      string // ClockLayout
	DurationMin    int
	Type           string
	Status         Status
	PaymentStatus  PaymentStatus
	PackageID      string
	Recurring      bool
	RecurringUntil string // DateLayout, set only when Recurring
	Notes          string
	Equipment      []string
	ReminderMin    []int // minutes before start
	Overbooked     bool  // booked past capacity via the overflow path
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Day parses the appointment's calendar day.
func (a Appointment) Day() (time.Time, error) {
	return time.Parse(DateLayout, a.Date)
}

// OccupiesCapacity reports whether the appointment counts toward slot
// occupancy. Only cancellation frees the slot; every other status, including
// no-show, keeps the historical record occupying its interval.
func (a Appointment) OccupiesCapacity() bool {
	return a.Status != StatusCancelled
}

// ValidStatus reports whether s is one of the persisted status values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusAwaiting, StatusInProgress,
		StatusWaiting, StatusLate, StatusCompleted, StatusRescheduled,
		StatusCancelled, StatusNoShow, StatusEvaluation:
		return true
	}
	return false
}

// ConsumesPackageSession reports whether an appointment in this status
// qualifies as an attended session for package debiting.
func ConsumesPackageSession(s Status) bool {
	switch s {
	case StatusConfirmed, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}
