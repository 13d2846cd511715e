package task

import (
	"errors"
	"fmt"
)

// ErrDecode is the permanent failure kind for malformed message bodies.
var ErrDecode = errors.New("malformed task message")

// DecodeError reports which field made a body unacceptable.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrDecode, e.Err)
	}
	return fmt.Sprintf("%s: field %s: %v", ErrDecode, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
