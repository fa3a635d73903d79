package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/sandboxctl/pkg/api"
)

// SQLiteEventStore stores session events in SQLite.
//
// It uses database/sql with a driver registered under the name "sqlite"
// (for example "modernc.org/sqlite"). The caller is responsible for
// importing the driver.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

// NewSQLiteEventStore creates the schema if needed and returns a store.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.SessionEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, at, type, from_state, to_state, operation, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID,
		at.UnixNano(),
		string(ev.Type),
		string(ev.From),
		string(ev.To),
		string(ev.Operation),
		ev.Attempt,
		ev.Detail,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, sessionID string) ([]api.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, at, type, from_state, to_state, operation, attempt, detail
		FROM session_events
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.SessionEvent
	for rows.Next() {
		var (
			id      string
			atN     int64
			typ     string
			from    string
			to      string
			op      string
			attempt int
			detail  string
		)
		if err := rows.Scan(&id, &atN, &typ, &from, &to, &op, &attempt, &detail); err != nil {
			return nil, err
		}
		out = append(out, api.SessionEvent{
			SessionID: id,
			At:        time.Unix(0, atN),
			Type:      api.EventType(typ),
			From:      api.State(from),
			To:        api.State(to),
			Operation: api.Operation(op),
			Attempt:   attempt,
			Detail:    detail,
		})
	}
	return out, rows.Err()
}
