package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/policy"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps snapshots as JSON rows in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			identity   TEXT PRIMARY KEY,
			history    TEXT NOT NULL,
			context    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_snapshots (
			identity   TEXT PRIMARY KEY,
			policy     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feedback_records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			identity   TEXT NOT NULL,
			state      TEXT NOT NULL,
			free_text  TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_records_identity ON feedback_records (identity, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (SessionRecord, error) {
	var history, ctxJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT history, context FROM session_snapshots WHERE identity = ?`, id,
	).Scan(&history, &ctxJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}.normalized(), nil
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session %q: %w", id, err)
	}
	return decodeSessionJSON(id, []byte(history), []byte(ctxJSON))
}

func (s *SQLiteStore) SaveSession(ctx context.Context, id string, rec SessionRecord) error {
	history, ctxJSON, err := encodeSessionJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (identity, history, context, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE
		 SET history = excluded.history, context = excluded.context, updated_at = excluded.updated_at`,
		id, string(history), string(ctxJSON), now(),
	)
	if err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LoadPolicy(ctx context.Context, id string) (policy.Table, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT policy FROM policy_snapshots WHERE identity = ?`, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", id, err)
	}
	return decodePolicyJSON(id, []byte(data))
}

func (s *SQLiteStore) SavePolicy(ctx context.Context, id string, table policy.Table) error {
	data, err := encodePolicyJSON(table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_snapshots (identity, policy, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE
		 SET policy = excluded.policy, updated_at = excluded.updated_at`,
		id, string(data), now(),
	)
	if err != nil {
		return fmt.Errorf("save policy %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AppendFeedback(ctx context.Context, id string, rec feedback.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_records (identity, state, free_text, created_at) VALUES (?, ?, ?, ?)`,
		id, rec.State, rec.FreeText, now(),
	)
	if err != nil {
		return fmt.Errorf("append feedback %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, id string) ([]feedback.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, free_text FROM feedback_records WHERE identity = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query feedback %q: %w", id, err)
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		var r feedback.Record
		if err := rows.Scan(&r.State, &r.FreeText); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
