// Package store declares interfaces for persisting run progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning     RunStatus = "running"
	RunComplete    RunStatus = "complete"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// RunCounts is the collection sizes recorded at a checkpoint.
type RunCounts struct {
	Saved      int64
	Searched   int64
	Unsearched int64
}

// Run models the harvest_runs table.
type Run struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID
	// Source names the harvested data source.
	Source string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	Status     RunStatus
	// Counts holds the latest checkpointed collection sizes.
	Counts RunCounts
	// Batches counts successful batch fetches.
	Batches int64
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ProgressRepository persists run progress.
type ProgressRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, source string, startedAt time.Time) error
	// RecordCheckpoint stores the latest counts and adds deltaBatches.
	RecordCheckpoint(ctx context.Context, runID uuid.UUID, counts RunCounts, deltaBatches int64, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional source plus limit/offset.
	ListRuns(ctx context.Context, source *string, limit, offset int) ([]Run, error)
}
