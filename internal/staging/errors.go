package staging

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by a Store or the Client wraps exactly one of them.
var (
	ErrConnection = errors.New("staging store unreachable")
	ErrAuth       = errors.New("staging store rejected credentials")
	ErrTransfer   = errors.New("staging transfer incomplete")
	ErrNotFound   = errors.New("staged object not found")
)

// Error carries the operation, the reference involved and the failure kind.
type Error struct {
	Op   string
	Ref  string
	Kind error
	Err  error
}

// NewError builds an *Error. A nil err is replaced by the kind itself.
func NewError(op, ref string, kind, err error) *Error {
	if err == nil {
		err = kind
	}
	return &Error{Op: op, Ref: ref, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == e.Kind {
		return fmt.Sprintf("staging %s %q: %v", e.Op, e.Ref, e.Kind)
	}
	return fmt.Sprintf("staging %s %q: %v: %v", e.Op, e.Ref, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is a transient connection or transfer failure.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTransfer)
}

// wrap keeps an existing *Error as is and classifies anything else as a transfer failure.
func wrap(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return NewError(op, ref, ErrTransfer, err)
}
