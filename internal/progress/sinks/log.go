package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// LogSink emits structured logs for run milestones. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Batch completions log at debug level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
			zap.Int64("items", evt.Items),
			zap.Int64("discovered", evt.Discovered),
			zap.Int("saved", evt.Counts.Saved),
			zap.Int("searched", evt.Counts.Searched),
			zap.Int("unsearched", evt.Counts.Unsearched),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Shard != "" {
			fields = append(fields, zap.String("shard", evt.Shard))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageBatchDone:
			s.logger.Debug("progress event", append(fields, zap.Int("attempts", evt.Attempts))...)
		case progress.StageRunError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
