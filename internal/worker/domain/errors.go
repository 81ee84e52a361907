package domain

import "errors"

var (
	// ErrJobAlreadyClaimed is returned when another worker holds the processing claim
	ErrJobAlreadyClaimed = errors.New("job already claimed by another worker")

	// ErrInvalidPayload is returned when a delivered message is malformed
	ErrInvalidPayload = errors.New("invalid job message")

	// ErrMaxAttemptsExceeded is returned when a job ran out of processing attempts
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrUnknownAgent is returned when neither the agent nor the preferred agent is registered
	ErrUnknownAgent = errors.New("unknown agent")
)

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
