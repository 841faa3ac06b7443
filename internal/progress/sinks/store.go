package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// StoreSink persists run progress via a store.ProgressRepository. Batch
// completions are collapsed into one checkpoint write per run per flush.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events and collapsed checkpoints to the
// repository. It respects ctx deadlines and returns repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*checkpointDelta)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Source, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageBatchDone, progress.StageCheckpoint, progress.StageShardFlushed:
			s.recordCheckpoint(pending, runID, evt)
		case progress.StageRunDone, progress.StageRunInterrupted, progress.StageRunError:
			s.recordCheckpoint(pending, runID, evt)
			if err := s.flushCheckpoint(ctx, runID, pending); err != nil {
				return err
			}
			if err := s.completeRun(ctx, runID, evt); err != nil {
				return err
			}
		}
	}

	for runID := range pending {
		if err := s.flushCheckpoint(ctx, runID, pending); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunComplete
	switch evt.Stage {
	case progress.StageRunInterrupted:
		status = store.RunInterrupted
	case progress.StageRunError:
		status = store.RunFailed
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (s *StoreSink) recordCheckpoint(pending map[uuid.UUID]*checkpointDelta, runID uuid.UUID, evt progress.Event) {
	delta := pending[runID]
	if delta == nil {
		delta = &checkpointDelta{}
		pending[runID] = delta
	}
	if evt.Stage == progress.StageBatchDone {
		delta.batches++
	}
	if !evt.TS.Before(delta.at) || delta.at.IsZero() {
		delta.at = evt.TS
		delta.counts = store.RunCounts{
			Saved:      int64(evt.Counts.Saved),
			Searched:   int64(evt.Counts.Searched),
			Unsearched: int64(evt.Counts.Unsearched),
		}
	}
}

func (s *StoreSink) flushCheckpoint(ctx context.Context, runID uuid.UUID, pending map[uuid.UUID]*checkpointDelta) error {
	delta, ok := pending[runID]
	if !ok {
		return nil
	}
	delete(pending, runID)
	if err := s.repo.RecordCheckpoint(ctx, runID, delta.counts, delta.batches, delta.at); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type checkpointDelta struct {
	counts  store.RunCounts
	batches int64
	at      time.Time
}
