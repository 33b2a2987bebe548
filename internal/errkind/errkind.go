// internal/errkind/errkind.go
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how to treat it
// without inspecting error strings.
type Kind string

const (
	// KindNetwork covers transient fetch failures: timeouts, connection
	// resets, 5xx responses. Retryable.
	KindNetwork Kind = "network"
	// KindParse covers malformed range data. Permanent for a given input.
	KindParse Kind = "parse"
	// KindCapacity means a set cannot hold the requested membership.
	KindCapacity Kind = "capacity"
	// KindBusy means a set is still referenced by a rule and cannot be
	// destroyed.
	KindBusy Kind = "busy"
	// KindReconcile means the rule table could not be read or mutated.
	KindReconcile Kind = "reconcile"
	// KindCanceled means the operation was cut short by context
	// cancellation, typically at shutdown.
	KindCanceled Kind = "canceled"
)

// Error tags an underlying error with a Kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with fmt.Errorf semantics for the underlying error.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
