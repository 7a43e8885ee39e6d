package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("operation not permitted")

	// ErrRateLimited is returned when the sender exceeded the message window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrEmptyBody is returned when a message body trims to nothing.
	ErrEmptyBody = errors.New("empty message body")

	// ErrBadDestination is returned when a message names zero or
	// several destinations.
	ErrBadDestination = errors.New("exactly one destination required")

	// ErrModerationBlocked is returned to the sender of a blocked message.
	ErrModerationBlocked = errors.New("message blocked by moderation")

	// ErrBanned is returned when the acting user is banned.
	ErrBanned = errors.New("user is banned")

	// ErrAlreadyInCall is returned when the caller has another live call.
	ErrAlreadyInCall = errors.New("user already in a call")

	// ErrAnotherSharing is returned when a second participant tries to
	// take the screen-share slot.
	ErrAnotherSharing = errors.New("another participant is sharing")

	// ErrBadTransition is returned for an illegal call state change.
	ErrBadTransition = errors.New("illegal call state transition")

	// ErrConflict is returned when a booking overlaps an existing session.
	ErrConflict = errors.New("conflicting booking")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
