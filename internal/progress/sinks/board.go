package sinks

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// Snapshot is the latest observed state of a run.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	Source    string          `json:"source"`
	Stage     progress.Stage  `json:"stage"`
	Counts    progress.Counts `json:"counts"`
	Batches   int64           `json:"batches"`
	Shards    int64           `json:"shards"`
	UpdatedAt time.Time       `json:"updated_at"`
	Note      string          `json:"note,omitempty"`
}

// BoardSink keeps the most recent Snapshot for status endpoints. Readers
// never block the hub.
type BoardSink struct {
	latest atomic.Pointer[Snapshot]
}

// NewBoardSink returns an empty board.
func NewBoardSink() *BoardSink {
	return &BoardSink{}
}

// Consume folds the batch into the published snapshot.
func (b *BoardSink) Consume(_ context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	var snap Snapshot
	if cur := b.latest.Load(); cur != nil {
		snap = *cur
	}
	for _, evt := range batch {
		runID := evt.RunUUID().String()
		if runID != snap.RunID {
			snap = Snapshot{RunID: runID}
		}
		snap.Source = evt.Source
		snap.Stage = evt.Stage
		snap.Counts = evt.Counts
		snap.UpdatedAt = evt.TS
		snap.Note = evt.Note
		switch evt.Stage {
		case progress.StageBatchDone:
			snap.Batches++
		case progress.StageShardFlushed:
			snap.Shards++
		}
	}
	b.latest.Store(&snap)
	return nil
}

// Latest returns the current snapshot, if any event was seen.
func (b *BoardSink) Latest() (Snapshot, bool) {
	cur := b.latest.Load()
	if cur == nil {
		return Snapshot{}, false
	}
	return *cur, true
}

// Close implements the Sink interface; it performs no action.
func (b *BoardSink) Close(context.Context) error {
	return nil
}
