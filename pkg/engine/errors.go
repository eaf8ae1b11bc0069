package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/turnclock/turnclock/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session is absent, whether it
	// was never created, deleted, or evicted by TTL; callers cannot tell
	// the cases apart.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidStateTransition is returned when an operation is not
	// permitted in the session's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidationErrors aggregates every field failure of one request so clients
// can fix them all in a single round-trip.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// IsValidationError checks if an error is a validation failure
func IsValidationError(err error) bool {
	var one *ValidationError
	var many ValidationErrors
	return errors.As(err, &one) || errors.As(err, &many)
}

func invalidTransition(op string, from models.SessionStatus) error {
	return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidStateTransition, op, string(from))
}
