package api

import "time"

// EventType identifies a session history event.
type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventTransition     EventType = "session.transition"
	EventSessionReady   EventType = "session.ready"
	EventSessionFailed  EventType = "session.failed"

	EventCallCompleted EventType = "call.completed"
	EventCallFailed    EventType = "call.failed"
)

// SessionEvent is a minimal append-only history record for audit/debugging.
// Field values are never recorded here.
type SessionEvent struct {
	SessionID string
	At        time.Time
	Type      EventType

	// Optional context.
	From      State
	To        State
	Operation Operation
	Attempt   int

	// Small, human-oriented details (e.g. error string, status reason).
	Detail string
}

// SessionInfo is the read-only view of a session handed to observers.
type SessionInfo struct {
	ID    string
	State State
}
