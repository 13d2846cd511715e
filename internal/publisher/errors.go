package publisher

import (
	"errors"
	"fmt"
)

// Publish failure kinds. A task is only submitted when Publish returns nil.
var (
	ErrStagingFailed = errors.New("payload staging failed")
	ErrUnconfirmed   = errors.New("broker did not confirm the task")
	ErrNotConnected  = errors.New("broker not connected")
	ErrInvalidTask   = errors.New("invalid task")
)

// PublishError reports which step failed. FileReference is set once the payload
// was staged; it stays on the store for manual resolution.
type PublishError struct {
	Kind          error
	TaskID        string
	FileReference string
	Err           error
}

func (e *PublishError) Error() string {
	msg := fmt.Sprintf("publish task: %v", e.Kind)
	if e.TaskID != "" {
		msg = fmt.Sprintf("publish task %s: %v", e.TaskID, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PublishError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
