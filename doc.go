// Package sandboxctl provisions a developer sandbox account through a
// resumable, step-at-a-time state machine.
//
// A session starts in StateInitializing and is driven forward by calling
// Engine.Advance with the full current snapshot of user-supplied fields.
// Each call performs at most one logical step against the provisioning
// backend:
//
//	INITIALIZING ─▶ NEEDS_VERIFICATION ─▶ CONFIRMING_VERIFICATION ─▶ PROVISIONING ─▶ READY
//	      │                                                               │
//	      └───────────────────────────────▶ FAILED ◀──────────────────────┘
//
// When the current state needs input the caller has not provided, Advance
// returns immediately with Result.Interactive set and Result.Required
// listing the missing fields. No remote call is made in that case.
//
// # Engine
//
// NewEngine builds a session against the HTTP signup API:
//
//	eng, err := sandboxctl.NewEngine(apiURL, idToken,
//		sandboxctl.WithRetryPolicy(sandboxctl.Retry(4).
//			WithBackoff(500*time.Millisecond, 2, 8*time.Second).
//			HonorRetryAfter(15*time.Second).
//			Policy()),
//		sandboxctl.WithObserver(sandboxctl.NewLoggingObserver(logger)),
//	)
//
// NewEngineWithBackend accepts any Backend implementation, which is how
// tests and alternative transports plug in.
//
// # Errors
//
// Backend failures are classified into four kinds. Transient failures are
// retried inside a single Advance according to the RetryPolicy; a server
// Retry-After is honored up to the policy's ceiling. Validation rejections
// keep the session in its input state and surface through Result.Err so
// the caller can ask again. AuthExpired ends the session without changing
// its state; the caller must obtain a new identity token and start a new
// session. Everything else is Fatal and moves the session to StateFailed.
//
// Use errors.Is with ErrTransient, ErrAuthExpired, ErrValidationRejected or
// ErrFatal, or KindOf, to branch on a classification. Only the outermost
// classification matches: a session that gave up after retries is
// ErrFatal, not ErrTransient.
//
// # Driver
//
// Driver runs a session to completion for interactive programs: it asks a
// Prompter for every required field, re-asks after a rejection and paces
// provisioning polls. AdvanceAsync runs a single Advance on its own
// goroutine for callers with an event loop of their own.
//
// # Observability
//
// Observers receive session lifecycle callbacks. LoggingObserver writes
// structured logs via log/slog, BasicMetrics keeps in-memory counters and
// HistoryObserver appends SessionEvent records to an EventStore, either in
// memory or in SQLite.
package sandboxctl
