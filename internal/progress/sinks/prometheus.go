package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns collectors for
// runs started/finished, collection sizes per source, and batch latency.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	items         *prometheus.GaugeVec
	shards        *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_finished_total",
			Help: "Total runs finished partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_runs_active",
			Help: "Current number of active runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 43200, 86400},
		}, []string{"result"}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_items",
			Help: "Identifiers per collection (saved, searched, unsearched).",
		}, []string{"source", "collection"}),
		shards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_shard_files_total",
			Help: "Shard files written per source.",
		}, []string{"source"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_batch_duration_seconds",
			Help:    "Batch fetch duration including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runRuntime,
		s.items,
		s.shards,
		s.batchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageBatchDone:
		if evt.Dur > 0 {
			s.batchDuration.WithLabelValues(source).Observe(evt.Dur.Seconds())
		}
	case progress.StageShardFlushed:
		s.shards.WithLabelValues(source).Inc()
	case progress.StageRunDone, progress.StageRunInterrupted, progress.StageRunError:
		label := resultLabel(evt.Stage)
		s.runsFinished.WithLabelValues(label).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	}
	s.items.WithLabelValues(source, "saved").Set(float64(evt.Counts.Saved))
	s.items.WithLabelValues(source, "searched").Set(float64(evt.Counts.Searched))
	s.items.WithLabelValues(source, "unsearched").Set(float64(evt.Counts.Unsearched))
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageRunDone:
		return "complete"
	case progress.StageRunInterrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
