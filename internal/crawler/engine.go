package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

var errMissingRecord = errors.New("no record returned")

// Outcome summarises a finished Run.
type Outcome struct {
	State   EngineState
	Counts  progress.Counts
	Metrics progress.Metrics
	// Shards lists shard files written during this run.
	Shards   []string
	Collated *CollateResult
}

// Option customises an Engine.
type Option func(*Engine)

// WithCollator sets the collator run after the unsearched set drains.
func WithCollator(c Collator) Option {
	return func(e *Engine) { e.collator = c }
}

// WithReporter sets the human-readable progress reporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithEmitter sets the progress event emitter (usually a progress.Hub).
func WithEmitter(em progress.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator sets the generator used for the run ID.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithRetryOptions forwards options to the engine's SchedulePolicy.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(e *Engine) { e.retryOpts = append(e.retryOpts, opts...) }
}

// Engine drives one data source through the unsearched, searched and saved
// collections. It is single threaded: one batch is in flight at a time and
// the engine is the only writer of its StateStore.
type Engine struct {
	cfg       Config
	source    Source
	store     StateStore
	logger    *zap.Logger
	retry     *SchedulePolicy
	retryOpts []RetryOption
	collator  Collator
	reporter  Reporter
	emitter   progress.Emitter
	clock     Clock
	ids       IDGenerator

	runID      [16]byte
	state      State
	history    progress.History
	startCount int
	startedAt  time.Time
	localCount int
	loaded     bool
	status     EngineState
	shards     []string
}

// NewEngine wires an engine for source persisting into store.
func NewEngine(cfg Config, source Source, store StateStore, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := source.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if source.Selector == nil {
		source.Selector = SelectorFunc(SelectAny)
	}
	e := &Engine{
		cfg:      cfg,
		source:   source,
		store:    store,
		logger:   logger.With(zap.String("source", source.Name)),
		reporter: nopReporter{},
		clock:    system.New(),
		state:    NewState(),
		status:   StateRunning,
	}
	for _, opt := range opts {
		opt(e)
	}
	runID, err := e.newRunID()
	if err != nil {
		return nil, err
	}
	e.runID = runID
	e.logger = e.logger.With(zap.String("run_id", uuid.UUID(runID).String()))
	e.retry = NewSchedulePolicy(cfg.RetrySchedule, e.logger, e.retryOpts...)
	return e, nil
}

func (e *Engine) newRunID() ([16]byte, error) {
	if e.ids == nil {
		return progress.UUIDToBytes(uuid.New()), nil
	}
	raw, err := e.ids.NewID()
	if err != nil {
		return [16]byte{}, fmt.Errorf("generate run id: %w", err)
	}
	return progress.ParseRunID(raw)
}

// RunID returns the textual run identifier.
func (e *Engine) RunID() string {
	return uuid.UUID(e.runID).String()
}

// State exposes the in-memory collections. Callers must not mutate them.
func (e *Engine) State() State {
	return e.state
}

// Status returns the state reported by the last Step.
func (e *Engine) Status() EngineState {
	return e.status
}

// Counts returns the current collection sizes.
func (e *Engine) Counts() progress.Counts {
	return progress.Counts{
		Saved:      e.state.Saved.Len(),
		Searched:   e.state.Searched.Len(),
		Unsearched: e.state.Unsearched.Len(),
	}
}

// Metrics estimates progress from the current state and the loaded history.
func (e *Engine) Metrics() progress.Metrics {
	var current time.Duration
	if !e.startedAt.IsZero() {
		current = e.clock.Now().Sub(e.startedAt)
	}
	return progress.Estimate(progress.Inputs{
		Counts:            e.Counts(),
		StartingItemCount: e.startCount,
		PastRuntime:       e.history.PastRuntime(),
		CurrentRuntime:    current,
		Discovery:         e.source.Discovery,
	})
}

// Load restores persisted state and seeds the unsearched set on a first run.
// It is called by Run and by the first Step; calling it again is a no-op.
func (e *Engine) Load(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	state, history, err := e.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state.Empty() && e.source.Seeder != nil {
		ids, err := e.source.Seeder.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seed %s: %w", e.source.Name, err)
		}
		for _, id := range ids {
			if id != "" {
				state.Unsearched.Add(id)
			}
		}
		e.logger.Info("seeded unsearched items", zap.Int("count", state.Unsearched.Len()))
	}
	e.state = state
	e.history = history
	e.startCount = state.Processed()
	e.startedAt = e.clock.Now()
	e.loaded = true
	return nil
}

// Run loads state and steps until a terminal state. On COMPLETE the shards are
// collated; on INTERRUPTED state is saved and collation is skipped. A fatal
// error returns FAILED with the on-disk state left at the last checkpoint.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	if err := e.Load(ctx); err != nil {
		e.status = StateFailed
		e.logger.Error("crawl failed to start", zap.Error(err))
		return e.outcome(), err
	}
	counts := e.Counts()
	e.reporter.Start(e.store.Dir(), counts)
	e.logger.Info("crawl started",
		zap.String("dir", e.store.Dir()),
		zap.Int("saved", counts.Saved),
		zap.Int("searched", counts.Searched),
		zap.Int("unsearched", counts.Unsearched),
	)
	e.emit(progress.StageRunStart, nil)

	var collated *CollateResult
	for {
		st, err := e.Step(ctx)
		if err != nil {
			return e.outcome(), err
		}
		switch st {
		case StateDrained:
			res, err := e.complete(ctx)
			if err != nil {
				return e.outcome(), err
			}
			collated = res
		case StateComplete, StateInterrupted, StateFailed:
			out := e.outcome()
			out.Collated = collated
			return out, nil
		}
	}
}

// Step performs one iteration: drain check, shard rollover, select, fetch
// under the retry schedule, process, commit, and the periodic checkpoint.
// Cancellation is observed only at the top of the iteration and during
// backoff sleeps.
func (e *Engine) Step(ctx context.Context) (EngineState, error) {
	if e.status.Terminal() || e.status == StateDrained {
		return e.status, nil
	}
	if err := e.Load(ctx); err != nil {
		return e.fail(err, nil)
	}
	select {
	case <-ctx.Done():
		return e.interrupt(ctx)
	default:
	}
	persistCtx := context.WithoutCancel(ctx)

	if e.state.Unsearched.Len() == 0 {
		if e.state.Searched.Len() > 0 {
			if err := e.flushShard(persistCtx, 0); err != nil {
				return e.fail(err, nil)
			}
		}
		if err := e.checkpoint(persistCtx); err != nil {
			return e.fail(err, nil)
		}
		e.status = StateDrained
		return e.status, nil
	}

	next := StateRunning
	if e.state.Searched.Len() >= e.cfg.ItemsPerFile {
		if err := e.flushShard(persistCtx, e.cfg.ItemsPerFile); err != nil {
			return e.fail(err, nil)
		}
		if err := e.checkpoint(persistCtx); err != nil {
			return e.fail(err, nil)
		}
		next = StateFlushing
	}

	batch := e.selectBatch()
	if len(batch) == 0 {
		return e.fail(ErrNoSelection, nil)
	}

	started := e.clock.Now()
	res := e.retry.Execute(ctx, batch, e.source.Fetcher.Fetch)
	BatchesFetched.WithLabelValues(res.Status.String()).Inc()
	switch res.Status {
	case FetchCanceled:
		return e.interrupt(ctx)
	case FetchExhausted:
		return e.fail(&RetryExhaustedError{Batch: batch, Attempts: res.Attempts, Err: res.Err}, batch)
	case FetchFatal:
		return e.fail(&FatalFetchError{Batch: batch, Err: res.Err}, batch)
	}

	result, err := e.source.Processor.Process(batch, res.Raw)
	if err != nil {
		return e.fail(&ProcessError{Batch: batch, Err: err}, batch)
	}
	consumed, discovered, err := e.commit(batch, result)
	if err != nil {
		return e.fail(err, batch)
	}
	e.emit(progress.StageBatchDone, func(evt *progress.Event) {
		evt.Items = int64(consumed)
		evt.Discovered = int64(discovered)
		evt.Attempts = res.Attempts
		evt.Dur = e.clock.Now().Sub(started)
	})

	e.localCount += consumed
	if e.localCount >= e.cfg.CountThreshold {
		e.reporter.Status(e.Metrics(), e.Counts())
		if err := e.checkpoint(persistCtx); err != nil {
			return e.fail(err, nil)
		}
		e.localCount = 0
	}
	e.status = next
	return e.status, nil
}

// selectBatch asks the selector for a batch and keeps only distinct
// identifiers that are actually unsearched, capped at the batch size.
func (e *Engine) selectBatch() []string {
	picked := e.source.Selector.Select(e.state.Unsearched, e.source.BatchSize)
	seen := make(map[string]struct{}, len(picked))
	batch := make([]string, 0, len(picked))
	for _, id := range picked {
		if len(batch) == e.source.BatchSize {
			break
		}
		if _, dup := seen[id]; dup || !e.state.Unsearched.Has(id) {
			continue
		}
		seen[id] = struct{}{}
		batch = append(batch, id)
	}
	return batch
}

// commit applies a process result. Every consumed identifier moves from
// unsearched to searched, with a JSON null record when the processor returned
// none. Discovered identifiers join unsearched only when not already known.
func (e *Engine) commit(batch []string, result ProcessResult) (consumed, discovered int, err error) {
	inBatch := NewItemSet(batch...)
	ids := result.Consumed
	if ids == nil {
		ids = batch
	}
	partial := append([]PartialResultError(nil), result.Partial...)
	done := NewItemSet()
	for _, id := range ids {
		if !inBatch.Has(id) || done.Has(id) {
			continue
		}
		done.Add(id)
		rec, ok := result.Records[id]
		if !ok {
			partial = append(partial, PartialResultError{ID: id, Err: errMissingRecord})
		}
		e.state.Searched.Put(id, rec)
		e.state.Unsearched.Remove(id)
	}
	if done.Len() == 0 {
		return 0, 0, &ProcessError{Batch: batch, Err: errors.New("processor consumed no identifiers")}
	}
	for id := range result.Records {
		if !done.Has(id) {
			e.logger.Debug("ignoring record for unconsumed identifier", zap.String("id", id))
		}
	}
	for _, p := range partial {
		e.logger.Warn("partial result", zap.String("id", p.ID), zap.String("field", p.Field), zap.Error(p.Err))
	}
	PartialResults.Add(float64(len(partial)))

	for _, id := range result.Discovered {
		if id == "" || inBatch.Has(id) || e.state.Unsearched.Has(id) ||
			e.state.Searched.Has(id) || e.state.Saved.Has(id) {
			continue
		}
		e.state.Unsearched.Add(id)
		discovered++
	}
	ItemsProcessed.Add(float64(done.Len()))
	ItemsDiscovered.Add(float64(discovered))
	return done.Len(), discovered, nil
}

// flushShard writes up to n searched records (all when n <= 0) to a new shard
// and moves them to the saved set once the file is durable.
func (e *Engine) flushShard(ctx context.Context, n int) error {
	items := e.state.Searched.Take(n)
	path, err := e.store.FlushShard(ctx, items)
	if err != nil {
		return fmt.Errorf("flush shard: %w", err)
	}
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	e.state.Saved.AddAll(ids)
	e.state.Searched.Commit(ids)
	e.shards = append(e.shards, path)
	ShardsFlushed.Inc()
	e.logger.Info("shard flushed", zap.String("path", path), zap.Int("items", len(ids)))
	e.emit(progress.StageShardFlushed, func(evt *progress.Event) {
		evt.Shard = path
		evt.Items = int64(len(ids))
	})
	return nil
}

// checkpoint persists both collections and appends a progress sample.
func (e *Engine) checkpoint(ctx context.Context) error {
	if err := e.store.SaveState(ctx, e.state.Searched.Snapshot(), e.state.Unsearched); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	m := e.Metrics()
	e.store.AppendSample(progress.SampleAt(m.TotalRuntime, e.Counts()))
	if err := e.store.PersistProgress(ctx); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	Checkpoints.Inc()
	e.emit(progress.StageCheckpoint, nil)
	return nil
}

func (e *Engine) complete(ctx context.Context) (*CollateResult, error) {
	var collated *CollateResult
	if e.collator != nil {
		// A drained crawl is checkpointed; an interrupt arriving now must not
		// turn it into a failed run.
		res, err := e.collator.Collate(context.WithoutCancel(ctx))
		if err != nil {
			_, ferr := e.fail(fmt.Errorf("collate: %w", err), nil)
			return nil, ferr
		}
		collated = &res
		e.logger.Info("results collated", zap.String("uri", res.URI), zap.Int("items", res.Items), zap.Int("shards", res.Shards))
	}
	e.status = StateComplete
	m := e.Metrics()
	e.reporter.Finish(true, m, e.Counts())
	e.logger.Info("crawl complete", zap.Int("saved", e.state.Saved.Len()), zap.Duration("runtime", m.CurrentRuntime))
	e.emit(progress.StageRunDone, func(evt *progress.Event) { evt.Dur = m.TotalRuntime })
	return collated, nil
}

func (e *Engine) interrupt(ctx context.Context) (EngineState, error) {
	e.reporter.Interrupted()
	e.logger.Info("crawl interrupted, saving state")
	if err := e.checkpoint(context.WithoutCancel(ctx)); err != nil {
		return e.fail(err, nil)
	}
	e.status = StateInterrupted
	m := e.Metrics()
	e.reporter.Finish(false, m, e.Counts())
	e.emit(progress.StageRunInterrupted, func(evt *progress.Event) { evt.Dur = m.TotalRuntime })
	return e.status, nil
}

// fail records a fatal error. Nothing is persisted: the crawl directory stays
// at the last successful checkpoint. The failing batch is logged verbatim.
func (e *Engine) fail(err error, batch []string) (EngineState, error) {
	e.status = StateFailed
	fields := []zap.Field{zap.Error(err)}
	if batch != nil {
		fields = append(fields, zap.Strings("batch", batch))
	}
	e.logger.Error("crawl failed", fields...)
	m := e.Metrics()
	e.reporter.Finish(false, m, e.Counts())
	e.emit(progress.StageRunError, func(evt *progress.Event) {
		evt.Dur = m.TotalRuntime
		evt.Note = err.Error()
	})
	return e.status, err
}

func (e *Engine) outcome() Outcome {
	return Outcome{
		State:   e.status,
		Counts:  e.Counts(),
		Metrics: e.Metrics(),
		Shards:  append([]string(nil), e.shards...),
	}
}

func (e *Engine) emit(stage progress.Stage, fill func(*progress.Event)) {
	if e.emitter == nil {
		return
	}
	evt := progress.Event{
		RunID:  e.runID,
		TS:     e.clock.Now().UTC(),
		Stage:  stage,
		Source: e.source.Name,
		Counts: e.Counts(),
	}
	if fill != nil {
		fill(&evt)
	}
	e.emitter.Emit(evt)
}

// SelectAny takes the first limit identifiers in map iteration order. It is
// the default Selector.
func SelectAny(unsearched ItemSet, limit int) []string {
	out := make([]string, 0, min(limit, len(unsearched)))
	for id := range unsearched {
		if len(out) == limit {
			break
		}
		out = append(out, id)
	}
	return out
}

type nopReporter struct{}

func (nopReporter) Start(string, progress.Counts)                  {}
func (nopReporter) Status(progress.Metrics, progress.Counts)       {}
func (nopReporter) Interrupted()                                   {}
func (nopReporter) Finish(bool, progress.Metrics, progress.Counts) {}
