package crawler_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// MockFetcher is a mock implementation of the Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, ids []string) (crawler.RawResult, error) {
	args := m.Called(ctx, ids)
	raw, _ := args.Get(0).(crawler.RawResult)
	return raw, args.Error(1)
}

// MockCollator is a mock implementation of the Collator interface.
type MockCollator struct {
	mock.Mock
}

func (m *MockCollator) Collate(ctx context.Context) (crawler.CollateResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(crawler.CollateResult), args.Error(1)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

// graphFetcher answers each id with its neighbour list: {"A":["B","C"]}.
func graphFetcher(graph map[string][]string) crawler.FetcherFunc {
	return func(_ context.Context, ids []string) (crawler.RawResult, error) {
		out := make(map[string][]string, len(ids))
		for _, id := range ids {
			out[id] = append([]string{}, graph[id]...)
		}
		data, err := json.Marshal(out)
		return crawler.RawResult(data), err
	}
}

// graphProcessor stores the neighbour list as the record and reports the
// neighbours as discovered.
var graphProcessor = crawler.ProcessorFunc(func(ids []string, raw crawler.RawResult) (crawler.ProcessResult, error) {
	var decoded map[string][]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return crawler.ProcessResult{}, err
	}
	res := crawler.ProcessResult{Records: make(map[string]json.RawMessage, len(ids))}
	for _, id := range ids {
		links, ok := decoded[id]
		if !ok {
			continue
		}
		rec, err := json.Marshal(links)
		if err != nil {
			return crawler.ProcessResult{}, err
		}
		res.Records[id] = rec
		res.Discovered = append(res.Discovered, links...)
	}
	return res, nil
})

func seed(ids ...string) crawler.SeederFunc {
	return func(context.Context) ([]string, error) { return ids, nil }
}

func sortedSelector() crawler.SelectorFunc {
	return func(set crawler.ItemSet, limit int) []string {
		ids := set.Slice()
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return ids
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	store   *checkpoint.Store
	sleeper *sleepRecorder
	emitter *recordingEmitter
}

type sleepRecorder struct {
	total time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.total += d
	return nil
}

func newEngine(t *testing.T, cfg crawler.Config, src crawler.Source, opts ...crawler.Option) (*crawler.Engine, *harness) {
	t.Helper()
	store, err := checkpoint.New(filepath.Join(t.TempDir(), "data", src.Name), nil)
	require.NoError(t, err)
	h := &harness{store: store, sleeper: &sleepRecorder{}, emitter: &recordingEmitter{}}
	return newEngineWithStore(t, cfg, src, h, opts...), h
}

func newEngineWithStore(
	t *testing.T,
	cfg crawler.Config,
	src crawler.Source,
	h *harness,
	opts ...crawler.Option,
) *crawler.Engine {
	t.Helper()
	base := []crawler.Option{
		crawler.WithClock(&stepClock{now: time.Unix(1700000000, 0)}),
		crawler.WithEmitter(h.emitter),
		crawler.WithRetryOptions(crawler.WithSleeper(h.sleeper.Sleep)),
	}
	engine, err := crawler.NewEngine(cfg, src, h.store, nil, append(base, opts...)...)
	require.NoError(t, err)
	return engine
}

func testConfig(itemsPerFile, threshold int) crawler.Config {
	cfg := crawler.DefaultConfig()
	cfg.ItemsPerFile = itemsPerFile
	cfg.CountThreshold = threshold
	return cfg
}

func snapshotDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name())) // #nosec G304 -- test directory.
		require.NoError(t, err)
		out[entry.Name()] = string(data)
	}
	return out
}

func assertDisjoint(t *testing.T, st crawler.State) {
	t.Helper()
	for _, id := range st.Searched.Keys() {
		assert.False(t, st.Unsearched.Has(id), "%s in searched and unsearched", id)
		assert.False(t, st.Saved.Has(id), "%s in searched and saved", id)
	}
	for id := range st.Unsearched {
		assert.False(t, st.Saved.Has(id), "%s in unsearched and saved", id)
	}
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = crawler.NewEngine(crawler.DefaultConfig(), crawler.Source{Name: "x", BatchSize: 1}, store, nil)
	require.Error(t, err)

	_, err = crawler.NewEngine(crawler.DefaultConfig(), crawler.Source{
		Name:      "x",
		Fetcher:   graphFetcher(nil),
		Processor: graphProcessor,
	}, store, nil)
	require.Error(t, err)

	_, err = crawler.NewEngine(testConfig(0, 1), crawler.Source{
		Name:      "x",
		Fetcher:   graphFetcher(nil),
		Processor: graphProcessor,
		BatchSize: 1,
	}, store, nil)
	require.Error(t, err)
}

func TestStepDiscoveryScenario(t *testing.T) {
	t.Parallel()

	graph := map[string][]string{"A": {"B", "C"}}
	engine, _ := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "related_artists",
		Seeder:    seed("A"),
		Fetcher:   graphFetcher(graph),
		Processor: graphProcessor,
		BatchSize: 1,
		Discovery: true,
	})

	st, err := engine.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.StateRunning, st)

	state := engine.State()
	assert.Equal(t, []string{"A"}, state.Searched.Keys())
	rec, _ := state.Searched.Get("A")
	assert.JSONEq(t, `["B","C"]`, string(rec))
	assert.Equal(t, crawler.NewItemSet("B", "C"), state.Unsearched)
	assert.Zero(t, state.Saved.Len())
	assert.True(t, engine.Metrics().Advisory)
}

func TestStepBoundaryDrainsThenCompletes(t *testing.T) {
	t.Parallel()

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, []string{"a", "b", "c"}).
		Return(crawler.RawResult(`{"a":[],"b":[],"c":[]}`), nil).Once()
	collator := &MockCollator{}
	collator.On("Collate", mock.Anything).
		Return(crawler.CollateResult{URI: "file:///data/artist_info.json", Items: 3, Shards: 1}, nil).Once()

	engine, h := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "artist_info",
		Seeder:    seed("a", "b", "c"),
		Selector:  sortedSelector(),
		Fetcher:   fetcher,
		Processor: graphProcessor,
		BatchSize: 3,
	}, crawler.WithCollator(collator))

	ctx := context.Background()
	st, err := engine.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StateRunning, st)
	assert.Zero(t, engine.State().Unsearched.Len())

	st, err = engine.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDrained, st)
	assert.Equal(t, 3, engine.State().Saved.Len())
	assert.Zero(t, engine.State().Searched.Len())

	out, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateComplete, out.State)
	require.NotNil(t, out.Collated)
	assert.Equal(t, 3, out.Collated.Items)
	assert.Equal(t, []string{filepath.Join(h.store.Dir(), "saved_0.json")}, out.Shards)

	fetcher.AssertExpectations(t)
	collator.AssertExpectations(t)
	assert.Contains(t, h.emitter.Stages(), progress.StageRunDone)
}

func TestDrainedCrawlCollatesAfterCancel(t *testing.T) {
	t.Parallel()

	collator := &MockCollator{}
	collator.On("Collate", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })).
		Return(crawler.CollateResult{URI: "file:///data/x.json", Items: 1, Shards: 1}, nil).Once()

	engine, h := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "x",
		Seeder:    seed("a"),
		Fetcher:   graphFetcher(nil),
		Processor: graphProcessor,
		BatchSize: 1,
	}, crawler.WithCollator(collator))

	ctx, cancel := context.WithCancel(context.Background())
	st, err := engine.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StateRunning, st)
	st, err = engine.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDrained, st)

	cancel()
	out, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateComplete, out.State)
	require.NotNil(t, out.Collated)
	collator.AssertExpectations(t)
	assert.NotContains(t, h.emitter.Stages(), progress.StageRunError)
}

func TestStepFlushScenario(t *testing.T) {
	t.Parallel()

	engine, h := newEngine(t, testConfig(2, 100), crawler.Source{
		Name:      "top_tracks",
		Seeder:    seed("a", "b", "c"),
		Selector:  sortedSelector(),
		Fetcher:   graphFetcher(nil),
		Processor: graphProcessor,
		BatchSize: 1,
	})

	ctx := context.Background()
	var states []crawler.EngineState
	for range 3 {
		st, err := engine.Step(ctx)
		require.NoError(t, err)
		states = append(states, st)
		assertDisjoint(t, engine.State())
	}

	assert.Equal(t, []crawler.EngineState{crawler.StateRunning, crawler.StateRunning, crawler.StateFlushing}, states)
	state := engine.State()
	assert.Equal(t, crawler.NewItemSet("a", "b"), state.Saved)
	assert.Equal(t, []string{"c"}, state.Searched.Keys())

	shards, err := h.store.ReadShards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Len(t, shards[0].Items, 2)
}

func TestStepRetryScenario(t *testing.T) {
	t.Parallel()

	fetcher := &MockFetcher{}
	timeout := &crawler.TransientFetchError{Op: "GET", Err: errors.New("read timeout")}
	fetcher.On("Fetch", mock.Anything, []string{"a"}).Return(nil, timeout).Twice()
	fetcher.On("Fetch", mock.Anything, []string{"a"}).Return(crawler.RawResult(`{"a":["z"]}`), nil).Once()

	engine, h := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "related_artists",
		Seeder:    seed("a"),
		Fetcher:   fetcher,
		Processor: graphProcessor,
		BatchSize: 1,
		Discovery: true,
	})

	st, err := engine.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.StateRunning, st)
	assert.Equal(t, 110*time.Millisecond, h.sleeper.total)
	assert.Equal(t, []string{"a"}, engine.State().Searched.Keys())
	assert.Equal(t, crawler.NewItemSet("z"), engine.State().Unsearched)
	fetcher.AssertNumberOfCalls(t, "Fetch", 3)
}

func TestStepExhaustionLeavesDiskUnchanged(t *testing.T) {
	t.Parallel()

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, []string{"a"}).Return(crawler.RawResult(`{"a":[]}`), nil).Once()
	reset := &crawler.TransientFetchError{Err: errors.New("connection reset by peer")}
	fetcher.On("Fetch", mock.Anything, []string{"b"}).Return(nil, reset)

	engine, h := newEngine(t, testConfig(100, 1), crawler.Source{
		Name:      "track_info",
		Seeder:    seed("a", "b"),
		Selector:  sortedSelector(),
		Fetcher:   fetcher,
		Processor: graphProcessor,
		BatchSize: 1,
	})

	ctx := context.Background()
	_, err := engine.Step(ctx)
	require.NoError(t, err)
	before := snapshotDir(t, h.store.Dir())
	require.Contains(t, before, checkpoint.SearchedFile)

	st, err := engine.Step(ctx)
	assert.Equal(t, crawler.StateFailed, st)
	var exhausted *crawler.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"b"}, exhausted.Batch)
	assert.Equal(t, 6, exhausted.Attempts)
	assert.ErrorIs(t, err, reset)
	fetcher.AssertNumberOfCalls(t, "Fetch", 7)

	assert.Equal(t, before, snapshotDir(t, h.store.Dir()))
	assert.Contains(t, h.emitter.Stages(), progress.StageRunError)

	st, err = engine.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateFailed, st)
}

func TestStepFatalFetchError(t *testing.T) {
	t.Parallel()

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, errors.New("401 unauthorized")).Once()

	engine, h := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "artist_info",
		Seeder:    seed("a"),
		Fetcher:   fetcher,
		Processor: graphProcessor,
		BatchSize: 50,
	})

	out, err := engine.Run(context.Background())
	var fatal *crawler.FatalFetchError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, crawler.StateFailed, out.State)
	assert.Zero(t, h.sleeper.total)
	fetcher.AssertExpectations(t)
}

func TestStepInterruptPersistsState(t *testing.T) {
	t.Parallel()

	graph := map[string][]string{"A": {"B"}, "B": {"C"}}
	src := crawler.Source{
		Name:      "related_artists",
		Seeder:    seed("A"),
		Selector:  sortedSelector(),
		Fetcher:   graphFetcher(graph),
		Processor: graphProcessor,
		BatchSize: 1,
		Discovery: true,
	}
	collator := &MockCollator{}
	engine, h := newEngine(t, testConfig(100, 100), src, crawler.WithCollator(collator))

	ctx, cancel := context.WithCancel(context.Background())
	st, err := engine.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StateRunning, st)

	cancel()
	out, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateInterrupted, out.State)
	collator.AssertNotCalled(t, "Collate", mock.Anything)

	resumed := newEngineWithStore(t, testConfig(100, 100), src, h)
	require.NoError(t, resumed.Load(context.Background()))
	assert.Equal(t, []string{"A"}, resumed.State().Searched.Keys())
	assert.Equal(t, crawler.NewItemSet("B"), resumed.State().Unsearched)
	assert.Equal(t, 1, resumed.Metrics().TotalProcessed)
}

func TestRunResumesAfterInterruptAndCompletes(t *testing.T) {
	t.Parallel()

	graph := map[string][]string{"A": {"B", "C"}, "B": {"C", "D"}, "C": {"A"}, "D": {}}
	src := crawler.Source{
		Name:      "related_artists",
		Seeder:    seed("A"),
		Fetcher:   graphFetcher(graph),
		Processor: graphProcessor,
		BatchSize: 1,
		Discovery: true,
	}
	engine, h := newEngine(t, testConfig(2, 1), src)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := engine.Step(ctx)
	require.NoError(t, err)
	_, err = engine.Step(ctx)
	require.NoError(t, err)
	cancel()
	st, err := engine.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StateInterrupted, st)

	resumed := newEngineWithStore(t, testConfig(2, 1), src, h)
	out, err := resumed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.StateComplete, out.State)
	assert.Equal(t, progress.Counts{Saved: 4}, out.Counts)

	shards, err := h.store.ReadShards(context.Background())
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, shard := range shards {
		for id := range shard.Items {
			assert.False(t, ids[id], "%s written twice", id)
			ids[id] = true
		}
	}
	assert.Len(t, ids, 4)
}

func TestEngineInvariantHoldsAcrossSteps(t *testing.T) {
	t.Parallel()

	const n = 60
	graph := make(map[string][]string, n)
	name := func(i int) string { return string(rune('a'+i/26)) + string(rune('a'+i%26)) }
	for i := range n {
		graph[name(i)] = []string{name((2 * i) % n), name((3*i + 1) % n), name((i + 7) % n)}
	}
	engine, _ := newEngine(t, testConfig(7, 5), crawler.Source{
		Name:      "graph",
		Seeder:    seed(name(0)),
		Fetcher:   graphFetcher(graph),
		Processor: graphProcessor,
		BatchSize: 3,
		Discovery: true,
	})

	ctx := context.Background()
	prevUnion := 0
	for range 500 {
		st, err := engine.Step(ctx)
		require.NoError(t, err)
		state := engine.State()
		assertDisjoint(t, state)
		union := state.Saved.Len() + state.Searched.Len() + state.Unsearched.Len()
		assert.GreaterOrEqual(t, union, prevUnion)
		prevUnion = union
		if st == crawler.StateDrained {
			break
		}
	}
	require.Equal(t, crawler.StateDrained, engine.Status())
	assert.Zero(t, engine.State().Searched.Len())

	reachable := map[string]bool{}
	var visit func(string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range graph[id] {
			visit(next)
		}
	}
	visit(name(0))
	assert.Equal(t, len(reachable), engine.State().Saved.Len())
}

func TestCommitStoresNullForMissingRecords(t *testing.T) {
	t.Parallel()

	processor := crawler.ProcessorFunc(func(ids []string, _ crawler.RawResult) (crawler.ProcessResult, error) {
		return crawler.ProcessResult{
			Records: map[string]json.RawMessage{"a": json.RawMessage(`{"name":"x"}`), "zz": json.RawMessage(`1`)},
			Partial: []crawler.PartialResultError{{ID: "a", Field: "popularity", Err: errors.New("lookup failed")}},
		}, nil
	})
	engine, _ := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "track_info",
		Seeder:    seed("a", "b"),
		Fetcher:   graphFetcher(nil),
		Processor: processor,
		BatchSize: 50,
	})

	_, err := engine.Step(context.Background())
	require.NoError(t, err)
	state := engine.State()
	keys := state.Searched.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)
	rec, _ := state.Searched.Get("b")
	assert.Equal(t, "null", string(rec))
	assert.False(t, state.Searched.Has("zz"))
	assert.Zero(t, state.Unsearched.Len())
}

func TestProcessorConsumingNothingFails(t *testing.T) {
	t.Parallel()

	processor := crawler.ProcessorFunc(func([]string, crawler.RawResult) (crawler.ProcessResult, error) {
		return crawler.ProcessResult{Consumed: []string{}}, nil
	})
	engine, _ := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "x",
		Seeder:    seed("a"),
		Fetcher:   graphFetcher(nil),
		Processor: processor,
		BatchSize: 1,
	})

	st, err := engine.Step(context.Background())
	assert.Equal(t, crawler.StateFailed, st)
	var procErr *crawler.ProcessError
	require.ErrorAs(t, err, &procErr)
}

func TestCheckpointCadenceAppendsSamples(t *testing.T) {
	t.Parallel()

	engine, h := newEngine(t, testConfig(100, 2), crawler.Source{
		Name:      "artist_info",
		Seeder:    seed("a", "b", "c", "d"),
		Fetcher:   graphFetcher(nil),
		Processor: graphProcessor,
		BatchSize: 1,
	}, crawler.WithRetryOptions(crawler.WithSleeper(noSleep)))

	ctx := context.Background()
	for range 4 {
		_, err := engine.Step(ctx)
		require.NoError(t, err)
	}
	history := h.store.History()
	require.Len(t, history.Samples, 2)
	assert.Equal(t, 2, history.Samples[0].Processed)
	assert.Equal(t, 2, history.Samples[0].Remaining)
	assert.Equal(t, 4, history.Samples[1].Processed)
	assert.Less(t, history.Samples[0].Runtime, history.Samples[1].Runtime)
}

func TestCorruptStateFailsRun(t *testing.T) {
	t.Parallel()

	engine, h := newEngine(t, testConfig(100, 100), crawler.Source{
		Name:      "x",
		Seeder:    seed("a"),
		Fetcher:   graphFetcher(nil),
		Processor: graphProcessor,
		BatchSize: 1,
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.store.Dir(), checkpoint.UnsearchedFile), []byte(`[`), 0o600))

	out, err := engine.Run(context.Background())
	var corrupt *crawler.CorruptStateError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, crawler.StateFailed, out.State)
}
