package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

func TestBoardSinkTracksLatestRun(t *testing.T) {
	t.Parallel()

	board := NewBoardSink()
	_, ok := board.Latest()
	require.False(t, ok)

	first := uuid.New()
	now := time.Now()
	require.NoError(t, board.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(first), Stage: progress.StageRunStart, TS: now},
		{RunID: progress.UUIDToBytes(first), Stage: progress.StageBatchDone, TS: now, Counts: progress.Counts{Searched: 1}},
		{RunID: progress.UUIDToBytes(first), Stage: progress.StageShardFlushed, TS: now, Shard: "saved_0.json"},
	}))

	snap, ok := board.Latest()
	require.True(t, ok)
	require.Equal(t, first.String(), snap.RunID)
	require.Equal(t, progress.StageShardFlushed, snap.Stage)
	require.Equal(t, int64(1), snap.Batches)
	require.Equal(t, int64(1), snap.Shards)

	second := uuid.New()
	require.NoError(t, board.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(second), Stage: progress.StageRunStart, TS: now},
	}))
	snap, _ = board.Latest()
	require.Equal(t, second.String(), snap.RunID)
	require.Zero(t, snap.Batches)
}
