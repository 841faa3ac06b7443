package crawler

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// Fetcher executes one remote call for a bounded batch of identifiers.
// Network-layer failures should be recognisable by IsTransient; anything else
// aborts the run.
type Fetcher interface {
	Fetch(ctx context.Context, ids []string) (RawResult, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, ids []string) (RawResult, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, ids []string) (RawResult, error) {
	return f(ctx, ids)
}

// Processor maps a raw batch result to per-item records.
type Processor interface {
	Process(ids []string, raw RawResult) (ProcessResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ids []string, raw RawResult) (ProcessResult, error)

// Process calls f.
func (f ProcessorFunc) Process(ids []string, raw RawResult) (ProcessResult, error) {
	return f(ids, raw)
}

// Seeder populates the unsearched set on the first run.
type Seeder interface {
	Seed(ctx context.Context) ([]string, error)
}

// SeederFunc adapts a function to the Seeder interface.
type SeederFunc func(ctx context.Context) ([]string, error)

// Seed calls f.
func (f SeederFunc) Seed(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Selector picks the next batch. No ordering is required. Implementations
// must not mutate the set.
type Selector interface {
	Select(unsearched ItemSet, limit int) []string
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(unsearched ItemSet, limit int) []string

// Select calls f.
func (f SelectorFunc) Select(unsearched ItemSet, limit int) []string {
	return f(unsearched, limit)
}

// Source bundles the strategies for one data source.
type Source struct {
	Name      string
	Seeder    Seeder
	Selector  Selector
	Fetcher   Fetcher
	Processor Processor
	// BatchSize caps identifiers per fetch (provider limit).
	BatchSize int
	// Discovery marks graph crawls whose results add new identifiers; their
	// completion estimate is advisory.
	Discovery bool
}

// StateStore persists crawl state between runs.
type StateStore interface {
	LoadState(ctx context.Context) (State, progress.History, error)
	SaveState(ctx context.Context, searched map[string]json.RawMessage, unsearched ItemSet) error
	AppendSample(sample progress.Sample)
	PersistProgress(ctx context.Context) error
	FlushShard(ctx context.Context, items map[string]json.RawMessage) (string, error)
	Dir() string
}

// Collator merges every shard into the final artifact.
type Collator interface {
	Collate(ctx context.Context) (CollateResult, error)
}

// CollateResult summarises a collation.
type CollateResult struct {
	URI     string   `json:"uri"`
	Mirrors []string `json:"mirrors,omitempty"`
	Items   int      `json:"items"`
	Shards  int      `json:"shards"`
	// Digest is the sha256 of the written output.
	Digest string `json:"digest"`
}

// Reporter renders human-readable progress.
type Reporter interface {
	Start(dir string, counts progress.Counts)
	Status(m progress.Metrics, counts progress.Counts)
	Interrupted()
	Finish(complete bool, m progress.Metrics, counts progress.Counts)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
