package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/sandboxctl/pkg/api"
)

// InMemoryEventStore is a goroutine-safe EventStore backed by a map.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.SessionEvent
}

// NewInMemoryEventStore creates a new InMemoryEventStore.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.SessionEvent)}
}

var _ EventStore = (*InMemoryEventStore)(nil)

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.SessionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, sessionID string) ([]api.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[sessionID]
	out := make([]api.SessionEvent, len(src))
	copy(out, src)
	return out, nil
}
