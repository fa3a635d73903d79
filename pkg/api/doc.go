// Package api contains the core types shared by the sandbox provisioning
// engine, its backend client, and its observers.
//
// Most users interact with the higher-level sandboxctl package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom backends, observers, and callers that drive the
// engine directly.
//
// # States
//
// A provisioning session moves through a closed set of states:
//
//	INITIALIZING -> NEEDS_VERIFICATION -> CONFIRMING_VERIFICATION -> PROVISIONING -> READY
//
// with FAILED reachable from any non-terminal state. CHECKING_STATUS is
// folded into the first Advance and is never returned to a caller.
// READY and FAILED are terminal.
//
// # Fields
//
// Callers feed input through an immutable Fields snapshot. Only the names
// listed in KnownFields are recognised; RequiredFields tells a caller which
// of them a state consumes.
//
// # Errors
//
// Every backend failure is classified into an ErrorKind. Use errors.Is with
// ErrTransient, ErrAuthExpired, ErrValidationRejected or ErrFatal, or call
// KindOf to obtain the kind directly.
//
// # Observability
//
// The Observer interface reports session and backend-call lifecycle
// events. NoopObserver, CompositeObserver, LoggingObserver and BasicMetrics
// are ready-made implementations. Observers never receive field values.
package api
