package crawler

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EngineState is the lifecycle state reported by Engine.Step and Engine.Run.
type EngineState string

// Engine states. RUNNING, FLUSHING and DRAINED are per-iteration outcomes;
// COMPLETE, INTERRUPTED and FAILED are terminal.
const (
	StateRunning     EngineState = "RUNNING"
	StateFlushing    EngineState = "FLUSHING"
	StateDrained     EngineState = "DRAINED"
	StateComplete    EngineState = "COMPLETE"
	StateInterrupted EngineState = "INTERRUPTED"
	StateFailed      EngineState = "FAILED"
)

// Terminal reports whether no further Step calls are meaningful.
func (s EngineState) Terminal() bool {
	switch s {
	case StateComplete, StateInterrupted, StateFailed:
		return true
	default:
		return false
	}
}

// RawResult is the undecoded payload returned by a Fetcher.
type RawResult []byte

// ItemSet is an unordered set of item identifiers.
type ItemSet map[string]struct{}

// NewItemSet builds a set from the provided identifiers.
func NewItemSet(ids ...string) ItemSet {
	s := make(ItemSet, len(ids))
	s.AddAll(ids)
	return s
}

// Add inserts id into the set.
func (s ItemSet) Add(id string) {
	s[id] = struct{}{}
}

// AddAll inserts every id into the set.
func (s ItemSet) AddAll(ids []string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Has reports membership.
func (s ItemSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Remove deletes id from the set; missing ids are ignored.
func (s ItemSet) Remove(id string) {
	delete(s, id)
}

// RemoveAll deletes every id from the set.
func (s ItemSet) RemoveAll(ids []string) {
	for _, id := range ids {
		delete(s, id)
	}
}

// Len returns the set size.
func (s ItemSet) Len() int {
	return len(s)
}

// Slice returns the members sorted ascending.
func (s ItemSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s ItemSet) Clone() ItemSet {
	out := make(ItemSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s ItemSet) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(s.Slice())
	if err != nil {
		return nil, fmt.Errorf("marshal item set: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes a JSON array of identifiers.
func (s *ItemSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("unmarshal item set: %w", err)
	}
	*s = NewItemSet(ids...)
	return nil
}

// ProcessResult is what a Processor derives from one fetched batch.
type ProcessResult struct {
	// Records maps identifiers to their fetched record.
	Records map[string]json.RawMessage
	// Consumed lists identifiers to remove from the unsearched set. When nil,
	// every identifier in the batch is treated as consumed.
	Consumed []string
	// Discovered lists identifiers found in the results (graph crawls).
	Discovered []string
	// Partial reports per-item failures that did not abort the batch.
	Partial []PartialResultError
}

// State is the in-memory crawl state: the three identifier collections.
type State struct {
	Searched   *PendingBuffer
	Unsearched ItemSet
	Saved      ItemSet
}

// NewState returns an empty State.
func NewState() State {
	return State{
		Searched:   NewPendingBuffer(),
		Unsearched: NewItemSet(),
		Saved:      NewItemSet(),
	}
}

// Empty reports whether no identifier is known yet (first run).
func (s State) Empty() bool {
	return s.Searched.Len() == 0 && s.Unsearched.Len() == 0 && s.Saved.Len() == 0
}

// Processed is the number of identifiers fetched so far (saved + searched).
func (s State) Processed() int {
	return s.Saved.Len() + s.Searched.Len()
}

// Reconcile restores pairwise disjointness after a load. An identifier that
// already sits in a shard wins over the checkpoint copies, and a searched
// identifier is never also unsearched. It returns the number of entries
// dropped from the searched buffer and the unsearched set.
func (s State) Reconcile() (droppedSearched, droppedUnsearched int) {
	for _, id := range s.Searched.Keys() {
		if s.Saved.Has(id) {
			s.Searched.Commit([]string{id})
			droppedSearched++
		}
	}
	for id := range s.Unsearched {
		if s.Saved.Has(id) || s.Searched.Has(id) {
			delete(s.Unsearched, id)
			droppedUnsearched++
		}
	}
	return droppedSearched, droppedUnsearched
}
