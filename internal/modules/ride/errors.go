// README: Ride lifecycle errors.
package ride

import (
	"errors"
	"fmt"

	"campusride/internal/types"
)

var (
	ErrActiveRide = errors.New("passenger has an active ride")
	// ErrConflict is returned when the CAS keeps losing to concurrent writers.
	ErrConflict = errors.New("ride state conflict")
	// ErrDriverUnavailable is returned when the accepting driver cannot be reserved.
	ErrDriverUnavailable = errors.New("driver not available")
)

type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return types.ErrInvalidTransition }
