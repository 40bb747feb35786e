package progress

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested session does not exist, in memory or
// in durable storage.
var ErrNotFound = errors.New("session progress not found")

// ValidationError rejects malformed producer input. Nothing changes when one
// is returned; the caller fixes its request and retries.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "progress validation: " + e.Reason
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// StateError rejects an operation that is illegal for the session's current
// state machine position, such as updating a phase that is not active or
// mutating a terminal session. Session state is unchanged.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return "progress state: " + e.Reason
}

func stateErrf(format string, args ...any) error {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var s *StateError
	return errors.As(err, &s)
}
