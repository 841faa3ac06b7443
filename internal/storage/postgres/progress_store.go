// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// Schema creates the harvest_runs table when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS harvest_runs (
	id            UUID PRIMARY KEY,
	source        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	saved         BIGINT NOT NULL DEFAULT 0,
	searched      BIGINT NOT NULL DEFAULT 0,
	unsearched    BIGINT NOT NULL DEFAULT 0,
	batches       BIGINT NOT NULL DEFAULT 0,
	last_update   TIMESTAMPTZ,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS harvest_runs_source_started_idx ON harvest_runs (source, started_at DESC);
`

// Config controls the connection pool used for progress rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ProgressStore implements store.ProgressRepository using Postgres.
type ProgressStore struct {
	pool pgxPool
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore connects a pool using cfg.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("progress_db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: pool}, nil
}

// NewProgressStoreWithPool wraps an existing pool; used by tests.
func NewProgressStoreWithPool(pool pgxPool) (*ProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// EnsureSchema applies Schema.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply progress schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts the run row or flips it back to running.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, source string, startedAt time.Time) error {
	query := `
		INSERT INTO harvest_runs (id, source, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE harvest_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, source, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// RecordCheckpoint stores the latest counts and accumulates batches.
func (s *ProgressStore) RecordCheckpoint(
	ctx context.Context,
	runID uuid.UUID,
	counts store.RunCounts,
	deltaBatches int64,
	at time.Time,
) error {
	query := `
		UPDATE harvest_runs
		SET saved = $1, searched = $2, unsearched = $3,
			batches = batches + $4, last_update = $5
		WHERE id = $6;
	`
	res, err := s.pool.Exec(ctx, query, counts.Saved, counts.Searched, counts.Unsearched, deltaBatches, at, runID)
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE harvest_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

const runColumns = `id, source, started_at, finished_at, status, saved, searched, unsearched, batches, error_message`

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.Source,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Counts.Saved,
		&run.Counts.Searched,
		&run.Counts.Unsearched,
		&run.Batches,
		&run.ErrorMessage,
	)
	return run, err
}

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM harvest_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by source.
func (s *ProgressStore) ListRuns(ctx context.Context, source *string, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM harvest_runs
		WHERE ($1::text IS NULL OR source = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, source, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}
