// Package persistence stores the append-only history of provisioning
// sessions.
package persistence

import (
	"context"

	"github.com/petrijr/sandboxctl/pkg/api"
)

// EventStore is an append-only history store for session events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.SessionEvent) error
	ListEvents(ctx context.Context, sessionID string) ([]api.SessionEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.SessionEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, sessionID string) ([]api.SessionEvent, error) {
	return nil, nil
}
