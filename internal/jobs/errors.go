package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job is absent, expired or unreadable
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when a conditional write lost against a concurrent writer
	ErrConflict = errors.New("job was modified concurrently")

	// ErrAttemptsDecreased is returned when an update would lower the attempt counter
	ErrAttemptsDecreased = errors.New("attempts must not decrease")
)

// ValidationError describes a stored record that does not match the schema
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job record: " + e.Reason
	}
	return fmt.Sprintf("invalid job record: field %q %s", e.Field, e.Reason)
}

// TransitionError carries the rejected status change
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot move job from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
