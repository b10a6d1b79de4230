package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientBalance means the package has no sessions left. The
	// caller decides what to do (typically switch the appointment to single
	// payment); the ledger never converts it silently.
	ErrInsufficientBalance = errors.New("session package has no sessions remaining")
	ErrPackageNotFound     = errors.New("session package not found")
)

// Receipt is the outcome of a consumption call.
type Receipt struct {
	PackageID         string
	AppointmentID     string
	SessionsRemaining int
	// AlreadyConsumed is true when this (package, appointment) pair was
	// debited by an earlier call; the balance was left untouched.
	AlreadyConsumed bool
	Exhausted       bool
}

// Ledger debits prepaid session packages as appointments are attended.
//
// Implementations must guarantee at-most-once consumption per appointment
// and must never let a balance go negative, including under concurrent
// completions of the same patient's appointments.
type Ledger interface {
	// Consume debits one session for the given appointment. Calling it again
	// with the same (packageID, appointmentID) pair is a no-op returning the
	// current balance.
	Consume(ctx context.Context, packageID, appointmentID string) (Receipt, error)
	// Refund is the compensating action for a cancelled appointment whose
	// session was already debited. Refunding a pair that was never consumed
	// is a no-op.
	Refund(ctx context.Context, packageID, appointmentID string) (Receipt, error)
	// Balance reports the sessions remaining on a package.
	Balance(ctx context.Context, packageID string) (int, error)
}
