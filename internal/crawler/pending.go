package crawler

import (
	"encoding/json"
	"fmt"
	"sort"
)

var nullRecord = json.RawMessage("null")

// PendingBuffer holds fetched records that have not been flushed to a shard.
// Flushing is two-phase: Take selects a subset without mutating the buffer,
// and Commit removes it once the shard is durable.
type PendingBuffer struct {
	records map[string]json.RawMessage
}

// NewPendingBuffer returns an empty buffer.
func NewPendingBuffer() *PendingBuffer {
	return &PendingBuffer{records: make(map[string]json.RawMessage)}
}

// NewPendingBufferFrom wraps an existing record map, copying it.
func NewPendingBufferFrom(records map[string]json.RawMessage) *PendingBuffer {
	b := NewPendingBuffer()
	for id, rec := range records {
		b.Put(id, rec)
	}
	return b
}

// Put stores a record, replacing any previous one. A nil record is stored
// as JSON null.
func (b *PendingBuffer) Put(id string, record json.RawMessage) {
	if len(record) == 0 {
		record = nullRecord
	}
	b.records[id] = append(json.RawMessage(nil), record...)
}

// Get returns the record for id.
func (b *PendingBuffer) Get(id string) (json.RawMessage, bool) {
	rec, ok := b.records[id]
	return rec, ok
}

// Has reports whether id is buffered.
func (b *PendingBuffer) Has(id string) bool {
	_, ok := b.records[id]
	return ok
}

// Len returns the number of buffered records.
func (b *PendingBuffer) Len() int {
	return len(b.records)
}

// Keys returns buffered identifiers sorted ascending.
func (b *PendingBuffer) Keys() []string {
	keys := make([]string, 0, len(b.records))
	for id := range b.records {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Take returns up to n records in identifier order without removing them.
// n <= 0 selects everything.
func (b *PendingBuffer) Take(n int) map[string]json.RawMessage {
	keys := b.Keys()
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, id := range keys {
		out[id] = b.records[id]
	}
	return out
}

// Commit removes the identifiers from the buffer.
func (b *PendingBuffer) Commit(ids []string) {
	for _, id := range ids {
		delete(b.records, id)
	}
}

// Snapshot returns a copy of every buffered record.
func (b *PendingBuffer) Snapshot() map[string]json.RawMessage {
	return b.Take(0)
}

// MarshalJSON encodes the buffer as a JSON object keyed by identifier.
func (b *PendingBuffer) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(b.records)
	if err != nil {
		return nil, fmt.Errorf("marshal pending buffer: %w", err)
	}
	return data, nil
}
