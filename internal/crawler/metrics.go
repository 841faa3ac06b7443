package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed tracks identifiers consumed by the process step.
	ItemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_items_processed_total",
		Help: "The total number of identifiers fetched and processed.",
	})
	// ItemsDiscovered tracks identifiers added to the unsearched set by discovery.
	ItemsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_items_discovered_total",
		Help: "The total number of new identifiers discovered in results.",
	})
	// BatchesFetched tracks batch fetches by final outcome.
	BatchesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_batches_total",
		Help: "The total number of batch fetches partitioned by outcome.",
	}, []string{"outcome"})
	// RetryAttempts tracks transient failures that consumed a retry slot.
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_retry_attempts_total",
		Help: "The total number of transient fetch failures that were retried.",
	})
	// PartialResults tracks per-item lookups that failed inside a batch.
	PartialResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_partial_results_total",
		Help: "The total number of items recorded with absent fields.",
	})
	// ShardsFlushed tracks shard files written.
	ShardsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_shards_flushed_total",
		Help: "The total number of shard files written.",
	})
	// Checkpoints tracks checkpoint saves.
	Checkpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_checkpoints_total",
		Help: "The total number of checkpoint saves.",
	})
)
