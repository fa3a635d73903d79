package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a backend failure and decides how the engine
// reacts to it.
type ErrorKind string

const (
	// KindTransient failures (timeouts, 5xx, rate limiting) are retried
	// inside Advance and escalate to StateFailed once retries run out.
	KindTransient ErrorKind = "transient"
	// KindAuthExpired ends the session; the caller must obtain a new
	// identity token and start over.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindValidationRejected keeps the session in its interactive state
	// so the caller can re-prompt.
	KindValidationRejected ErrorKind = "validation_rejected"
	// KindFatal moves the session to StateFailed.
	KindFatal ErrorKind = "fatal"
)

// Operation names a backend call.
type Operation string

const (
	OpStatus              Operation = "status"
	OpSignUp              Operation = "signup"
	OpStartVerification   Operation = "start_verification"
	OpConfirmVerification Operation = "confirm_verification"
	OpPollProvisioning    Operation = "poll_provisioning"
)

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind       ErrorKind
	Op         Operation
	StatusCode int
	Message    string

	// RetryAfter is the minimum delay the backend asked for before the
	// next attempt. Only meaningful for KindTransient.
	RetryAfter time.Duration

	Cause error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op Operation, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error. A classified cause is returned
// behind classifiedCause, so kind sentinels only ever match the outermost
// *Error: a Fatal error wrapping a Transient one is not ErrTransient.
// Read Cause directly to inspect the nested classification.
func (e *Error) Unwrap() error {
	if inner, ok := e.Cause.(*Error); ok {
		return classifiedCause{err: inner}
	}
	return e.Cause
}

// classifiedCause hides a nested *Error from errors.Is and errors.As while
// keeping its own cause reachable.
type classifiedCause struct {
	err *Error
}

func (c classifiedCause) Error() string { return c.err.Error() }
func (c classifiedCause) Unwrap() error { return c.err.Unwrap() }

// Is matches any *Error of the same kind, so the Err* kind sentinels
// below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithStatus records the HTTP status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithRetryAfter records a backend-requested delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Kind sentinels for errors.Is.
var (
	ErrTransient          = &Error{Kind: KindTransient}
	ErrAuthExpired        = &Error{Kind: KindAuthExpired, Message: "identity token expired or was rejected; sign in again"}
	ErrValidationRejected = &Error{Kind: KindValidationRejected}
	ErrFatal              = &Error{Kind: KindFatal}
)

var (
	// ErrAlreadyVerified is the cause of a start-verification rejection
	// for a phone number the backend has already verified.
	ErrAlreadyVerified = errors.New("phone verification already completed")

	// ErrConcurrentAdvance is returned when Advance is entered while
	// another Advance on the same session is still in flight.
	ErrConcurrentAdvance = errors.New("advance already in progress for this session")

	// ErrMissingToken is returned when an engine is built without an
	// identity token.
	ErrMissingToken = errors.New("identity token is required")
)

// KindOf returns the kind of the outermost *Error in err's chain, or ""
// when err carries no classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// RetryAfterOf returns the backend-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
