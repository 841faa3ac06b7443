package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageBatchDone      Stage = "BATCH_DONE"
	StageCheckpoint     Stage = "CHECKPOINT"
	StageShardFlushed   Stage = "SHARD_FLUSHED"
	StageRunDone        Stage = "RUN_DONE"
	StageRunInterrupted Stage = "RUN_INTERRUPTED"
	StageRunError       Stage = "RUN_ERROR"
)

// Final reports whether the stage closes a run.
func (s Stage) Final() bool {
	return s == StageRunDone || s == StageRunInterrupted || s == StageRunError
}

// Event captures a single crawl milestone.
type Event struct {
	// RunID uniquely identifies one engine run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Source names the data source being harvested.
	Source string
	// Items counts identifiers consumed by a batch or written to a shard.
	Items int64
	// Discovered counts new identifiers added by a batch.
	Discovered int64
	// Attempts is the number of fetch attempts a batch needed.
	Attempts int
	// Shard is the path of a flushed shard file.
	Shard string
	// Counts is the state snapshot after the milestone.
	Counts Counts
	// Dur captures fetch latency for batches and total runtime for final stages.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageBatchDone, StageCheckpoint, StageRunDone, StageRunInterrupted, StageRunError:
	case StageShardFlushed:
		if e.Shard == "" {
			return errors.New("shard flushed requires shard path")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Items < 0 || e.Discovered < 0 {
		return errors.New("item counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID decodes a textual run ID into the Event form.
func ParseRunID(raw string) ([16]byte, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
