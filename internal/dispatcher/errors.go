package dispatcher

import (
	"context"
	"errors"

	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/cuongbtq/taskrelay/internal/task"
)

var (
	// ErrUnknownTaskType is returned when no handler is registered for a task_type_id
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrFetchExhausted is returned when every download attempt failed with a transient error
	ErrFetchExhausted = errors.New("payload fetch retries exhausted")
)

// RetryableError wraps transient handler errors that should trigger a requeue
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

// isTransient decides whether a failed delivery may succeed on redelivery.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, task.ErrDecode),
		errors.Is(err, ErrUnknownTaskType),
		errors.Is(err, staging.ErrAuth),
		errors.Is(err, staging.ErrNotFound):
		return false
	case errors.Is(err, ErrFetchExhausted),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}

	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
