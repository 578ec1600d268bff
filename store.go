package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetupDatabase creates the audit_events table used by SQLSink.
// It is safe to call on every start.
func SetupDatabase(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    uid INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    format TEXT NOT NULL,
    subject TEXT,
    payload BLOB NOT NULL,
    received_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}
	const index = `CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events (subject);`
	if _, err := db.Exec(index); err != nil {
		return fmt.Errorf("failed to create subject index: %w", err)
	}
	return nil
}

// SQLSink stores events in a SQL database keyed by identifier, so an event
// delivered twice is stored once. The statements use SQLite syntax.
type SQLSink struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLSink returns a sink writing to db. Call SetupDatabase first.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db, now: time.Now}
}

// Send inserts msg, ignoring a row that already exists for its uid.
func (s *SQLSink) Send(ctx context.Context, msg *Message) error {
	const query = `
INSERT OR IGNORE INTO audit_events (uid, kind, format, subject, payload, received_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		int64(msg.UID),
		msg.Kind.String(),
		msg.Format.String(),
		msg.Key,
		msg.Payload,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &SinkError{Sink: "sql", Err: err}
	}
	return nil
}

// Close is a no-op; the caller owns db.
func (s *SQLSink) Close() error { return nil }
