// Package fault classifies engine errors so callers can decide between
// rejecting a command, retrying, blocking a session or failing it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the failure category of an error.
type Class string

const (
	// Validation errors reject a command without mutating state.
	Validation Class = "validation"
	// Transient errors come from collaborators and are retried.
	Transient Class = "transient"
	// PolicyBlocked errors park a session until a human acts.
	PolicyBlocked Class = "policy_blocked"
	// Fatal errors fail the session permanently.
	Fatal Class = "fatal"
)

// Error is a classified error carrying the operation that produced it.
type Error struct {
	Class   Class  // Failure category
	Op      string // Operation that failed (e.g. "ledger.transition", "store.load")
	Err     error  // Underlying error
	Context string // Additional human readable detail
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap allows errors.Is and errors.As to see the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Newf creates a classified error with formatted context.
func Newf(class Class, op string, err error, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Err: err, Context: fmt.Sprintf(format, args...)}
}

// Validationf is shorthand for a Validation error with a formatted message.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Class: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of the first classified error in the chain.
//
// Unclassified errors are inspected heuristically: deadline and network
// errors count as Transient, everything else as Fatal.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Class != "" {
		return fe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Fatal
}

// Is reports whether err is classified as class.
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	return Is(err, Transient)
}
