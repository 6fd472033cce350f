// Package errs defines the tagged-variant error kinds shared across the
// ingestion pipeline. Every component that can fail returns one of these
// kinds, wrapped around the underlying cause, so that callers can branch on
// failure semantics (retry vs. drop vs. fail-fast) without parsing error
// strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller must react to it.
type Kind string

const (
	// BadPayload marks a malformed or incomplete input. Outcome: log at
	// warning, acknowledge, discard.
	BadPayload Kind = "BAD_PAYLOAD"
	// Transient marks a failure expected to clear on retry (I/O timeout,
	// 5xx, connection reset). Outcome: retry with backoff; the bus message
	// stays unacknowledged.
	Transient Kind = "TRANSIENT"
	// Permanent marks a failure that will not clear on retry (4xx, push
	// Gone, invalid recipient). Outcome: mark the target inactive where
	// applicable, count as a delivered-failure, do not retry.
	Permanent Kind = "PERMANENT"
	// Conflict marks a violated invariant surfaced to the caller (duplicate
	// unique key, deleting a referenced sensor).
	Conflict Kind = "CONFLICT"
	// Fatal marks an unrecoverable startup or datastore condition. Outcome:
	// log with full context, fail-fast shutdown with the matching exit code.
	Fatal Kind = "FATAL"
	// NotFound marks a lookup that found nothing; distinct from Conflict so
	// the control surface can return 404 instead of 409.
	NotFound Kind = "NOT_FOUND"
	// BrokerUnavailable marks a bus outage that has outlasted the
	// per-outage-window reconnect attempt cap (§4.C). Retries continue at
	// the capped backoff interval; this kind exists so the condition can be
	// logged/surfaced distinctly from an ordinary single reconnect attempt.
	BrokerUnavailable Kind = "BROKER_UNAVAILABLE"
)

// Error wraps cause with a Kind so callers can branch on failure semantics
// via errors.As without string-matching messages.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an *Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error of the given kind wrapping cause. If cause is nil,
// Wrap returns nil.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false when err does not
// wrap an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
