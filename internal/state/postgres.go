package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/policy"
)

// PostgresStore persists snapshots as JSONB rows in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			identity TEXT PRIMARY KEY,
			history JSONB NOT NULL,
			context JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS policy_snapshots (
			identity TEXT PRIMARY KEY,
			policy JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS feedback_records (
			id BIGSERIAL PRIMARY KEY,
			identity TEXT NOT NULL,
			state TEXT NOT NULL,
			free_text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_records_identity ON feedback_records (identity, id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (SessionRecord, error) {
	var history, ctxJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT history, context FROM session_snapshots WHERE identity=$1`, id,
	).Scan(&history, &ctxJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}.normalized(), nil
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session %q: %w", id, err)
	}
	return decodeSessionJSON(id, history, ctxJSON)
}

func (s *PostgresStore) SaveSession(ctx context.Context, id string, rec SessionRecord) error {
	history, ctxJSON, err := encodeSessionJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_snapshots (identity, history, context, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (identity) DO UPDATE SET
			history=EXCLUDED.history,
			context=EXCLUDED.context,
			updated_at=EXCLUDED.updated_at`,
		id, history, ctxJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) LoadPolicy(ctx context.Context, id string) (policy.Table, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT policy FROM policy_snapshots WHERE identity=$1`, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", id, err)
	}
	return decodePolicyJSON(id, data)
}

func (s *PostgresStore) SavePolicy(ctx context.Context, id string, table policy.Table) error {
	data, err := encodePolicyJSON(table)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policy_snapshots (identity, policy, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (identity) DO UPDATE SET
			policy=EXCLUDED.policy,
			updated_at=EXCLUDED.updated_at`,
		id, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save policy %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) AppendFeedback(ctx context.Context, id string, rec feedback.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback_records (identity, state, free_text) VALUES ($1, $2, $3)`,
		id, rec.State, rec.FreeText,
	)
	if err != nil {
		return fmt.Errorf("append feedback %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, id string) ([]feedback.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, free_text FROM feedback_records WHERE identity=$1 ORDER BY id`, id,
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
