package booking

import (
	"errors"
	"fmt"
)

// ErrConcurrentModification is surfaced when the appointment store's
// consistency check detects that the slot changed between the snapshot read
// and the write. The engine never retries on its own: the right resolution
// (retry, new time, waitlist) belongs to the caller working from fresh data.
var ErrConcurrentModification = errors.New("appointment modified concurrently")

// ValidationError rejects a booking attempt before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
