package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opensandbox/workbench/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS command_log (
    id TEXT PRIMARY KEY,
    command TEXT NOT NULL,
    cwd TEXT,
    session_id TEXT,
    outcome TEXT NOT NULL,
    exit_code INTEGER,
    duration_ms INTEGER,
    stdout_len INTEGER,
    stderr_len INTEGER,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_command_log_created ON command_log(created_at);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

// sqliteTime keeps lexical and chronological order identical.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the default Store, one database file per data directory.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) history.db inside dataDir.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record logs a command execution and enqueues its event in one transaction.
func (s *SQLiteStore) Record(ctx context.Context, r Record) (string, error) {
	id := uuid.New().String()
	createdAt := s.now().UTC().Format(sqliteTime)
	payload, _ := json.Marshal(newCommandEvent(id, r))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO command_log (id, command, cwd, session_id, outcome, exit_code, duration_ms, stdout_len, stderr_len, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Command, r.Cwd, r.SessionID, r.Outcome, r.ExitCode, r.DurationMs, r.StdoutLen, r.StderrLen, createdAt)
	if err != nil {
		return "", fmt.Errorf("failed to log command: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (type, payload, created_at) VALUES ('command', ?, ?)`, string(payload), createdAt)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue command event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Recent returns the newest entries first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, cwd, session_id, outcome, exit_code, duration_ms, stdout_len, stderr_len, created_at
		 FROM command_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []types.HistoryEntry{}
	for rows.Next() {
		var e types.HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Command, &e.Cwd, &e.SessionID, &e.Outcome, &e.ExitCode,
			&e.DurationMs, &e.StdoutLen, &e.StderrLen, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(sqliteTime, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnsyncedEvents returns events that haven't been published yet, oldest first.
func (s *SQLiteStore) UnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(sqliteTime, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventsSynced marks the given event IDs as synced.
func (s *SQLiteStore) MarkEventsSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
