package model

import "time"

type PackageStatus string

const (
	PackageActive    PackageStatus = "active"
	PackageExhausted PackageStatus = "exhausted"
	PackageExpired   PackageStatus = "expired"
)

// SessionPackage is a prepaid bundle of sessions. It is created by the
// purchase flow (outside this service) and mutated only through the ledger.
type SessionPackage struct {
	ID                string
	PatientID         string
	TotalSessions     int
	SessionsRemaining int
	Status            PackageStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WaitlistEntry records a patient waiting for a slot that was full at
// booking time. It is consumed by the front-desk flow when a slot frees up.
type WaitlistEntry struct {
	ID        string
	PatientID string
	Date      string // DateLayout
	StartTime string // ClockLayout
	Notes     string
	CreatedAt time.Time
}
