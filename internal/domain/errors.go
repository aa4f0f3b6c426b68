// Package domain holds the data model shared across the Worker: replica
// identity, launch arguments, model table entries, and the stable error
// taxonomy returned by every inbound operation.
package domain

import (
	"errors"
	"fmt"
)

// Kind is the stable error taxonomy from the error handling design. Callers
// should branch on Kind, never on error string content.
type Kind string

const (
	KindInvalidArg    Kind = "invalid_arg"
	KindConflict      Kind = "conflict"
	KindNoSlot        Kind = "no_slot"
	KindUnsupported   Kind = "unsupported"
	KindBusy          Kind = "busy"
	KindNotFound      Kind = "not_found"
	KindNotLaunching  Kind = "not_launching"
	KindCancelled     Kind = "cancelled"
	KindDownstream    Kind = "downstream"
	KindTransient     Kind = "transient"
)

// Error wraps a Kind with a message and optional cause. It implements
// Unwrap so errors.Is/errors.As work against the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &domain.Error{Kind: domain.KindBusy})-style
// checks: any *Error target with the same Kind matches, whatever its
// Message or Cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func InvalidArg(msg string) error             { return newErr(KindInvalidArg, msg, nil) }
func InvalidArgf(format string, a ...any) error { return newErr(KindInvalidArg, fmt.Sprintf(format, a...), nil) }
func Conflict(msg string) error               { return newErr(KindConflict, msg, nil) }
func NoSlot(msg string) error                  { return newErr(KindNoSlot, msg, nil) }
func Unsupported(msg string) error             { return newErr(KindUnsupported, msg, nil) }
func Busy(msg string) error                    { return newErr(KindBusy, msg, nil) }
func NotFound(msg string) error                { return newErr(KindNotFound, msg, nil) }
func NotLaunching(msg string) error            { return newErr(KindNotLaunching, msg, nil) }
func Cancelled(msg string) error               { return newErr(KindCancelled, msg, nil) }
func Downstream(msg string, cause error) error { return newErr(KindDownstream, msg, cause) }
func Transient(msg string, cause error) error  { return newErr(KindTransient, msg, cause) }

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// ErrCancelledLaunchMsg is the canonical message used when a launch unwinds
// because its cancel flag was observed at a checkpoint (spec §4.E).
const ErrCancelledLaunchMsg = "Launch cancelled"
