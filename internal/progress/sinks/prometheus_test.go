package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters, gauges and histograms follow events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Source: "artist_info"},
		{
			RunID:  runID,
			TS:     now.Add(time.Second),
			Stage:  progress.StageBatchDone,
			Source: "artist_info",
			Items:  50,
			Dur:    200 * time.Millisecond,
			Counts: progress.Counts{Searched: 50, Unsearched: 10},
		},
		{RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageShardFlushed, Source: "artist_info", Shard: "saved_0.json"},
		{
			RunID:  runID,
			TS:     now.Add(3 * time.Second),
			Stage:  progress.StageRunDone,
			Source: "artist_info",
			Dur:    3 * time.Second,
			Counts: progress.Counts{Saved: 60},
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("complete")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.shards.WithLabelValues("artist_info")))
	require.Equal(t, 60.0, testutil.ToFloat64(sink.items.WithLabelValues("artist_info", "saved")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.items.WithLabelValues("artist_info", "unsearched")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchDuration, "harvest_batch_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
