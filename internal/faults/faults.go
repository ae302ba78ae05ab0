// Package faults defines the error taxonomy shared by every layer of the
// orchestration engine. Errors carry a Kind so callers can decide whether to
// fix their input, retry, or give up, without string-matching messages.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller. The string values are stable and
// appear verbatim in wire-level ERROR frames and webhook responses.
type Kind string

const (
	// KindValidation marks input rejected at an API boundary. Caller fixable.
	KindValidation Kind = "VALIDATION"
	// KindNotFound marks an addressed entity that does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict marks a violated invariant: duplicate edge, cycle,
	// duplicate external id.
	KindConflict Kind = "CONFLICT"
	// KindForbidden marks an authorisation failure on a subscription.
	KindForbidden Kind = "FORBIDDEN"
	// KindRateLimited marks a throttled request; retry after the hint.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindTransientDB marks a timeout or connection loss; the whole
	// operation may be retried.
	KindTransientDB Kind = "TRANSIENT_DB"
	// KindFatalDB marks an integrity or protocol error; not retryable.
	KindFatalDB Kind = "FATAL_DB"
	// KindInternal marks an unexpected failure.
	KindInternal Kind = "INTERNAL"
)

// Error is the concrete error type carried across layer boundaries.
type Error struct {
	Kind    Kind
	Message string
	Field   string // offending field for VALIDATION/CONFLICT, may be empty
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (field %q): %v", e.Kind, e.Message, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field %q)", e.Kind, e.Message, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works for
// sentinel-style comparisons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Validation builds a VALIDATION error for the named field.
func Validation(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NOT_FOUND error for an entity and id.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// Conflict builds a CONFLICT error.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds a FORBIDDEN error.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a RATE_LIMITED error carrying the retry hint in seconds.
func RateLimited(retryAfter float64) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf("rate limit exceeded, retry after %.3fs", retryAfter)}
}

// TransientDB wraps a recoverable database failure.
func TransientDB(msg string, err error) *Error {
	return &Error{Kind: KindTransientDB, Message: msg, Err: err}
}

// FatalDB wraps an unrecoverable database failure.
func FatalDB(msg string, err error) *Error {
	return &Error{Kind: KindFatalDB, Message: msg, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors outside
// the taxonomy report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether the operation that produced err may be retried
// wholesale by the caller.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientDB, KindRateLimited:
		return true
	default:
		return false
	}
}
