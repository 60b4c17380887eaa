package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Stage labels for stored attempts.
const (
	StageHipot       = "hipot"
	StageMeasurement = "measurement"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL UNIQUE,
	work_order  TEXT NOT NULL,
	part_number TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	passed      INTEGER
);
CREATE TABLE IF NOT EXISTS attempts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	stage      TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	passed     INTEGER NOT NULL,
	message    TEXT NOT NULL,
	raw        TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_session ON attempts(session_id);
`

// Store keeps session history in SQLite for later querying, alongside the
// per-session text files.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the history database at path. Use
// ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one writer at a time keeps SQLite happy under the CLI's usage
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSession inserts the session row when a session starts.
func (s *Store) RecordSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, work_order, part_number, started_at)
		 VALUES (?, ?, ?, ?)`,
		sess.ID, sess.WorkOrder, sess.PartNumber, sess.StartTime)
	if err != nil {
		return fmt.Errorf("record session %s: %w", sess.ID, err)
	}
	return nil
}

// RecordAttempt stores one stage attempt for a session.
func (s *Store) RecordAttempt(ctx context.Context, sessionID, stage string, attempt int, passed bool, message, raw string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (session_id, stage, attempt, passed, message, raw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, stage, attempt, passed, message, raw, time.Now())
	if err != nil {
		return fmt.Errorf("record %s attempt for %s: %w", stage, sessionID, err)
	}
	return nil
}

// FinalizeSession stamps the end time and overall verdict.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, passed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, passed = ? WHERE session_id = ?`,
		time.Now(), passed, sessionID)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("finalize session %s: not recorded", sessionID)
	}
	return nil
}

// SessionSummary is one row of session history.
type SessionSummary struct {
	SessionID  string
	WorkOrder  string
	PartNumber string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Passed     sql.NullBool
	Attempts   int
}

// RecentSessions returns the newest limit sessions with their attempt counts.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.work_order, s.part_number, s.started_at, s.finished_at, s.passed,
		        (SELECT COUNT(*) FROM attempts a WHERE a.session_id = s.session_id)
		 FROM sessions s
		 ORDER BY s.started_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.WorkOrder, &sum.PartNumber,
			&sum.StartedAt, &sum.FinishedAt, &sum.Passed, &sum.Attempts); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
