package shipohoy

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches errors for containers or images the runtime does not know.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable matches errors for a runtime that cannot be reached.
	ErrUnavailable = errors.New("runtime unavailable")
)

// ErrorKind classifies runtime failures.
type ErrorKind string

const (
	// KindFailed is any runtime failure that is neither not-found nor unavailable.
	KindFailed ErrorKind = "failed"
	// KindNotFound indicates the container or image does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindUnavailable indicates the runtime could not be reached.
	KindUnavailable ErrorKind = "unavailable"
)

// Error wraps a runtime failure with a stable classification.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

// NotFound classifies err as a missing container or image.
func NotFound(op, id string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, ID: id, Err: err}
}

// Unavailable classifies err as an unreachable runtime.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// Failed classifies err as an ordinary runtime failure.
func Failed(op, id string, err error) *Error {
	return &Error{Kind: KindFailed, Op: op, ID: id, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "runtime error"
	}
	target := e.Op
	if e.ID != "" {
		target = fmt.Sprintf("%s %s", e.Op, e.ID)
	}
	switch {
	case e.Err != nil && target != "":
		return fmt.Sprintf("%s: %v", target, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Kind == KindNotFound:
		return fmt.Sprintf("%s: not found", target)
	case e.Kind == KindUnavailable:
		return fmt.Sprintf("%s: runtime unavailable", target)
	default:
		return fmt.Sprintf("%s failed", target)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrNotFound and ErrUnavailable by kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// KindOf returns the classification of err. Unclassified errors are KindFailed.
func KindOf(err error) ErrorKind {
	var rerr *Error
	if errors.As(err, &rerr) && rerr != nil {
		return rerr.Kind
	}
	return KindFailed
}
