package api

import "context"

// AccountStatus is the account state reported by the provisioning backend.
type AccountStatus string

const (
	AccountNoAccount            AccountStatus = "no-account"
	AccountVerificationRequired AccountStatus = "verification-required"
	AccountProvisioning         AccountStatus = "provisioning"
	AccountReady                AccountStatus = "ready"
	AccountFailed               AccountStatus = "failed"
)

// StatusReport is the decoded answer of a status or poll call.
type StatusReport struct {
	Status AccountStatus

	// Reason is the backend's free-form explanation, if any.
	Reason string

	// Account is set when Status is AccountReady.
	Account *Account
}

// Backend is the provisioning service as seen by the engine. A Backend
// is bound to one identity token and returns *Error values for every
// failure it can classify.
type Backend interface {
	// Status queries the current account and verification status.
	Status(ctx context.Context) (StatusReport, error)

	// SignUp creates an account for a user the backend does not know yet.
	SignUp(ctx context.Context) error

	// StartVerification asks the backend to send a verification code to
	// the given phone number.
	StartVerification(ctx context.Context, countryCode, phoneNumber string) error

	// ConfirmVerification submits the code the user received.
	ConfirmVerification(ctx context.Context, code string) error

	// PollProvisioning checks whether account activation has finished.
	PollProvisioning(ctx context.Context) (StatusReport, error)
}

// Engine drives one provisioning session.
//
// Advance is synchronous and must not be called concurrently on the same
// engine; an overlapping call fails fast with ErrConcurrentAdvance.
type Engine interface {
	// Advance performs the next step of the workflow using the full
	// current snapshot of caller-supplied fields.
	//
	// A non-nil error is returned only for outcomes that end the session:
	// KindAuthExpired (state unchanged, session unusable), KindFatal or
	// exhausted retries (state becomes StateFailed), and context
	// cancellation (state unchanged). Validation rejections are reported
	// through Result.Err with a nil error.
	Advance(ctx context.Context, fields Fields) (Result, error)

	// SessionID identifies the session in logs and history.
	SessionID() string

	// State returns the current workflow state.
	State() State

	// LastError returns the last classified error, or nil.
	LastError() error

	// Fields returns the accumulated caller-supplied fields.
	Fields() Fields
}
