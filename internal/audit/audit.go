// Package audit provides an append-only, SQLite-backed diagnostic
// history of action dispatches and results. It is a pure observer: the
// gateway runs correctly with it disabled, and nothing in the
// decision path reads it back.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one audited event: an action dispatched to a game, or the
// result it reported back.
type Entry struct {
	ID        string
	Timestamp time.Time
	Game      string
	ActionID  string
	Kind      string // "dispatched", "result"
	Name      string // action name, empty for a result entry
	Data      string // raw JSON, empty for a result entry
	Success   bool   // only meaningful for "result" entries
	Message   string
}

// Store is an append-only SQLite log of audited events.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the audit database at path. The schema is
// created automatically on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		game       TEXT NOT NULL,
		action_id  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		name       TEXT,
		data       TEXT,
		success    INTEGER NOT NULL DEFAULT 0,
		message    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_game ON audit_entries(game);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordDispatch logs an action the gateway just sent to a game.
func (s *Store) RecordDispatch(ctx context.Context, game, actionID, name, data string) error {
	return s.insert(ctx, Entry{
		Game: game, ActionID: actionID, Kind: "dispatched", Name: name, Data: data,
	})
}

// RecordResult logs a result a game reported for a previously
// dispatched action (or one bearing an id the gateway never issued,
// which is still audited rather than silently dropped).
func (s *Store) RecordResult(ctx context.Context, game, actionID string, success bool, message string) error {
	return s.insert(ctx, Entry{
		Game: game, ActionID: actionID, Kind: "result", Success: success, Message: message,
	})
}

func (s *Store) insert(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("audit: generate entry id: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, timestamp, game, action_id, kind, name, data, success, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339), e.Game, e.ActionID, e.Kind, e.Name, e.Data, e.Success, e.Message,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ForGame returns up to limit audited entries for a game (1000 when
// limit <= 0), oldest first.
func (s *Store) ForGame(ctx context.Context, game string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, game, action_id, kind, name, data, success, message
		 FROM audit_entries WHERE game = ? ORDER BY timestamp ASC LIMIT ?`,
		game, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries for %q: %w", game, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Game, &e.ActionID, &e.Kind, &e.Name, &e.Data, &e.Success, &e.Message); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
