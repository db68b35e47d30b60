package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/axiomos/rkbpf/internal/event"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Recorder persists bridged events in a WAL-mode SQLite database so a
// robot's recent telemetry survives the bridge process and can be
// queried after an incident. The single-writer pool and WAL journal
// follow the same discipline as the rest of the on-robot stores: one
// writer, concurrent readers, NORMAL synchronous durability.
type Recorder struct {
	db      *sql.DB
	session string
	count   atomic.Int64
}

// recorderDDL is the schema, applied idempotently on open.
const recorderDDL = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session     TEXT    NOT NULL,
    event_type  TEXT    NOT NULL,
    ts_ns       INTEGER NOT NULL,
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    payload     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_id
    ON events (session, id);
`

// NewRecorder opens (or creates) the database at path. ":memory:" keeps
// the store in memory, which suits tests.
func NewRecorder(path, session string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bridge: open recorder %q: %w", path, err)
	}

	// SQLite allows one writer; a single pooled connection serialises
	// concurrent Record calls instead of surfacing "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bridge: recorder pragma: %w", err)
		}
	}

	if _, err := db.Exec(recorderDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridge: recorder schema: %w", err)
	}

	return &Recorder{db: db, session: session}, nil
}

// Record persists one event.
func (r *Recorder) Record(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bridge: marshal event: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events (session, event_type, ts_ns, payload) VALUES (?, ?, ?, ?)`,
		r.session, typeName(ev), int64(ev.EventHeader().TimestampNs), string(payload))
	if err != nil {
		return fmt.Errorf("bridge: record event: %w", err)
	}
	r.count.Add(1)
	return nil
}

// RecordedEvent is one persisted row.
type RecordedEvent struct {
	ID         int64
	Session    string
	Type       string
	TsNs       int64
	RecordedAt time.Time
	Payload    json.RawMessage
}

// Recent returns up to n most recent events, newest first.
func (r *Recorder) Recent(ctx context.Context, n int) ([]RecordedEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session, event_type, ts_ns, recorded_at, payload
		 FROM   events
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("bridge: recent query: %w", err)
	}
	defer rows.Close()

	var out []RecordedEvent
	for rows.Next() {
		var (
			re    RecordedEvent
			tsStr string
			body  string
		)
		if err := rows.Scan(&re.ID, &re.Session, &re.Type, &re.TsNs, &tsStr, &body); err != nil {
			return nil, fmt.Errorf("bridge: recent scan: %w", err)
		}
		re.RecordedAt, _ = time.Parse(time.RFC3339Nano, tsStr)
		re.Payload = json.RawMessage(body)
		out = append(out, re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bridge: recent rows: %w", err)
	}
	return out, nil
}

// Count returns the number of events recorded by this Recorder instance.
func (r *Recorder) Count() int64 { return r.count.Load() }

// Close closes the underlying database.
func (r *Recorder) Close() error { return r.db.Close() }
