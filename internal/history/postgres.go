package history

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensandbox/workbench/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps history in a shared PostgreSQL database so several
// workbench instances can report into one place. Rows carry the instance id.
type PostgresStore struct {
	pool       *pgxpool.Pool
	instanceID string
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, databaseURL, instanceID string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresStore{pool: pool, instanceID: instanceID}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workbench_schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM workbench_schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_command_log.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		if err := s.applyMigration(ctx, m.version, m.filename); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, version int, filename string) error {
	sql, err := migrationsFS.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("failed to apply migration %03d: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO workbench_schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("failed to record migration %03d: %w", version, err)
	}
	return tx.Commit(ctx)
}

// Record logs a command execution and enqueues its event in one batch.
func (s *PostgresStore) Record(ctx context.Context, r Record) (string, error) {
	id := uuid.New()
	payload, _ := json.Marshal(newCommandEvent(id.String(), r))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO workbench_command_log (id, instance_id, command, cwd, session_id, outcome, exit_code, duration_ms, stdout_len, stderr_len)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, s.instanceID, r.Command, r.Cwd, r.SessionID, r.Outcome, r.ExitCode, r.DurationMs, r.StdoutLen, r.StderrLen)
	batch.Queue(
		`INSERT INTO workbench_events (instance_id, type, payload) VALUES ($1, 'command', $2)`,
		s.instanceID, string(payload))

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return "", fmt.Errorf("failed to log command: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Recent returns this instance's newest entries first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, command, cwd, session_id, outcome, exit_code, duration_ms, stdout_len, stderr_len, created_at
		 FROM workbench_command_log WHERE instance_id = $1 ORDER BY created_at DESC LIMIT $2`,
		s.instanceID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []types.HistoryEntry{}
	for rows.Next() {
		var e types.HistoryEntry
		var id uuid.UUID
		if err := rows.Scan(&id, &e.Command, &e.Cwd, &e.SessionID, &e.Outcome, &e.ExitCode,
			&e.DurationMs, &e.StdoutLen, &e.StderrLen, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = id.String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnsyncedEvents returns this instance's unpublished events, oldest first.
func (s *PostgresStore) UnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, payload::text, created_at FROM workbench_events
		 WHERE instance_id = $1 AND synced = false ORDER BY id ASC LIMIT $2`,
		s.instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventsSynced marks the given event IDs as synced.
func (s *PostgresStore) MarkEventsSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE workbench_events SET synced = true WHERE id = ANY($1)`, ids)
	return err
}
