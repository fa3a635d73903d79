package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/sandboxctl/pkg/api"
)

// HistoryObserver records session lifecycle events in an EventStore.
// Append failures are logged and otherwise ignored so history never
// interferes with provisioning.
type HistoryObserver struct {
	api.NoopObserver

	store  EventStore
	logger *slog.Logger
	now    func() time.Time
}

// NewHistoryObserver creates an observer writing to store. A nil logger
// means slog.Default().
func NewHistoryObserver(store EventStore, logger *slog.Logger) *HistoryObserver {
	if store == nil {
		store = NoopEventStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryObserver{store: store, logger: logger, now: time.Now}
}

var _ api.Observer = (*HistoryObserver)(nil)

func (h *HistoryObserver) append(ctx context.Context, ev api.SessionEvent) {
	ev.At = h.now()
	if err := h.store.AppendEvent(ctx, ev); err != nil {
		h.logger.WarnContext(ctx, "history_append_failed",
			slog.String("session_id", ev.SessionID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

func (h *HistoryObserver) OnSessionStart(ctx context.Context, sess api.SessionInfo) {
	h.append(ctx, api.SessionEvent{SessionID: sess.ID, Type: api.EventSessionStarted, To: sess.State})
}

func (h *HistoryObserver) OnTransition(ctx context.Context, sess api.SessionInfo, from, to api.State) {
	h.append(ctx, api.SessionEvent{SessionID: sess.ID, Type: api.EventTransition, From: from, To: to})
}

func (h *HistoryObserver) OnCallCompleted(ctx context.Context, sess api.SessionInfo, op api.Operation, attempt int, err error, d time.Duration) {
	ev := api.SessionEvent{
		SessionID: sess.ID,
		Type:      api.EventCallCompleted,
		From:      sess.State,
		Operation: op,
		Attempt:   attempt,
		Detail:    d.String(),
	}
	if err != nil {
		ev.Type = api.EventCallFailed
		ev.Detail = err.Error()
	}
	h.append(ctx, ev)
}

func (h *HistoryObserver) OnSessionReady(ctx context.Context, sess api.SessionInfo, account *api.Account) {
	ev := api.SessionEvent{SessionID: sess.ID, Type: api.EventSessionReady, To: api.StateReady}
	if account != nil {
		ev.Detail = account.Username
	}
	h.append(ctx, ev)
}

func (h *HistoryObserver) OnSessionFailed(ctx context.Context, sess api.SessionInfo, err error) {
	ev := api.SessionEvent{SessionID: sess.ID, Type: api.EventSessionFailed, To: sess.State}
	if err != nil {
		ev.Detail = err.Error()
	}
	h.append(ctx, ev)
}
