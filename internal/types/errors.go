// README: Error taxonomy shared by modules and mapped to HTTP statuses by the handlers.
package types

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleTransition marks a lost CAS against an equal or later status.
	// It never leaves the ride module.
	ErrStaleTransition = errors.New("stale transition")
	ErrExternalService = errors.New("external service failure")
)

func NewValidationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func NewNotFoundError(entity string, id ID) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func NewExternalServiceError(service string, err error) error {
	return fmt.Errorf("%s: %w: %v", service, ErrExternalService, err)
}
