package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the provisioning engine for logging,
// metrics and history.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay Advance.
type Observer interface {
	// OnSessionStart is called once, on the first Advance of a session.
	OnSessionStart(ctx context.Context, sess SessionInfo)

	// OnTransition is called whenever Advance leaves the session in a
	// different state than it found it.
	OnTransition(ctx context.Context, sess SessionInfo, from, to State)

	// OnCallStart is called before each backend call attempt. attempt is
	// 1-based.
	OnCallStart(ctx context.Context, sess SessionInfo, op Operation, attempt int)

	// OnCallCompleted is called after each backend call attempt, for both
	// successes and failures (err != nil).
	OnCallCompleted(ctx context.Context, sess SessionInfo, op Operation, attempt int, err error, duration time.Duration)

	// OnSessionReady is called when the session reaches StateReady.
	OnSessionReady(ctx context.Context, sess SessionInfo, account *Account)

	// OnSessionFailed is called when the session reaches StateFailed or
	// its identity token is found to be expired.
	OnSessionFailed(ctx context.Context, sess SessionInfo, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSessionStart(ctx context.Context, sess SessionInfo)                   {}
func (NoopObserver) OnTransition(ctx context.Context, sess SessionInfo, from, to State)     {}
func (NoopObserver) OnCallStart(ctx context.Context, sess SessionInfo, op Operation, n int) {}
func (NoopObserver) OnCallCompleted(ctx context.Context, sess SessionInfo, op Operation, n int, err error, d time.Duration) {
}
func (NoopObserver) OnSessionReady(ctx context.Context, sess SessionInfo, account *Account) {}
func (NoopObserver) OnSessionFailed(ctx context.Context, sess SessionInfo, err error)       {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSessionStart(ctx context.Context, sess SessionInfo) {
	for _, o := range c.observers {
		o.OnSessionStart(ctx, sess)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, sess SessionInfo, from, to State) {
	for _, o := range c.observers {
		o.OnTransition(ctx, sess, from, to)
	}
}

func (c *CompositeObserver) OnCallStart(ctx context.Context, sess SessionInfo, op Operation, attempt int) {
	for _, o := range c.observers {
		o.OnCallStart(ctx, sess, op, attempt)
	}
}

func (c *CompositeObserver) OnCallCompleted(ctx context.Context, sess SessionInfo, op Operation, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnCallCompleted(ctx, sess, op, attempt, err, d)
	}
}

func (c *CompositeObserver) OnSessionReady(ctx context.Context, sess SessionInfo, account *Account) {
	for _, o := range c.observers {
		o.OnSessionReady(ctx, sess, account)
	}
}

func (c *CompositeObserver) OnSessionFailed(ctx context.Context, sess SessionInfo, err error) {
	for _, o := range c.observers {
		o.OnSessionFailed(ctx, sess, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs session and call
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnSessionStart(ctx context.Context, sess SessionInfo) {
	o.Logger.InfoContext(ctx, "session_start",
		slog.String("session_id", sess.ID),
		slog.String("state", string(sess.State)),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, sess SessionInfo, from, to State) {
	o.Logger.InfoContext(ctx, "transition",
		slog.String("session_id", sess.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (o *LoggingObserver) OnCallStart(ctx context.Context, sess SessionInfo, op Operation, attempt int) {
	o.Logger.DebugContext(ctx, "call_start",
		slog.String("session_id", sess.ID),
		slog.String("operation", string(op)),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnCallCompleted(ctx context.Context, sess SessionInfo, op Operation, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
		if KindOf(err) == KindFatal || KindOf(err) == KindAuthExpired {
			level = slog.LevelError
		}
	}
	o.Logger.Log(ctx, level, "call_completed",
		slog.String("session_id", sess.ID),
		slog.String("operation", string(op)),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSessionReady(ctx context.Context, sess SessionInfo, account *Account) {
	attrs := []any{slog.String("session_id", sess.ID)}
	if account != nil {
		attrs = append(attrs, slog.String("username", account.Username))
	}
	o.Logger.InfoContext(ctx, "session_ready", attrs...)
}

func (o *LoggingObserver) OnSessionFailed(ctx context.Context, sess SessionInfo, err error) {
	o.Logger.ErrorContext(ctx, "session_failed",
		slog.String("session_id", sess.ID),
		slog.String("state", string(sess.State)),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate call durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	sessionsStarted atomic.Int64
	sessionsReady   atomic.Int64
	sessionsFailed  atomic.Int64
	transitions     atomic.Int64
	callsSucceeded  atomic.Int64
	callsFailed     atomic.Int64
	totalCallTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	SessionsStarted int64
	SessionsReady   int64
	SessionsFailed  int64
	PendingSessions int64

	Transitions     int64
	CallsSucceeded  int64
	CallsFailed     int64
	AvgCallDuration time.Duration
}

func (m *BasicMetrics) OnSessionStart(ctx context.Context, sess SessionInfo) {
	m.sessionsStarted.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, sess SessionInfo, from, to State) {
	m.transitions.Add(1)
}

func (m *BasicMetrics) OnCallCompleted(ctx context.Context, sess SessionInfo, op Operation, attempt int, err error, d time.Duration) {
	// Only successful calls count towards the average duration.
	if err != nil {
		m.callsFailed.Add(1)
		return
	}
	m.callsSucceeded.Add(1)
	m.totalCallTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnSessionReady(ctx context.Context, sess SessionInfo, account *Account) {
	m.sessionsReady.Add(1)
}

func (m *BasicMetrics) OnSessionFailed(ctx context.Context, sess SessionInfo, err error) {
	m.sessionsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sessionsStarted.Load()
	ready := m.sessionsReady.Load()
	failed := m.sessionsFailed.Load()
	ok := m.callsSucceeded.Load()
	totalNs := m.totalCallTime.Load()

	var avg time.Duration
	if ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		SessionsStarted: started,
		SessionsReady:   ready,
		SessionsFailed:  failed,
		PendingSessions: started - ready - failed,
		Transitions:     m.transitions.Load(),
		CallsSucceeded:  ok,
		CallsFailed:     m.callsFailed.Load(),
		AvgCallDuration: avg,
	}
}
