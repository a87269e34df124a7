// Package sinks provides events.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/events"
)

// LogSink writes events as structured logs. Item events are logged at debug
// level, everything else at info.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("type", string(evt.Type)),
		}
		switch evt.Type {
		case events.TypeItemDone:
			fields = append(fields,
				zap.String("item_id", evt.ItemID),
				zap.String("outcome", string(evt.Outcome)),
				zap.String("kind", string(evt.Kind)),
				zap.Int("attempts", evt.Attempts),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur))
			s.logger.Debug("harvest event", fields...)
			continue
		case events.TypeBatchDone:
			fields = append(fields,
				zap.Int("concurrency", evt.Rate.Concurrency),
				zap.Duration("delay", evt.Rate.Delay),
				zap.Float64("error_rate", evt.Rate.ErrorRate()),
				zap.Duration("dur", evt.Dur))
		default:
			if evt.Phase != "" {
				fields = append(fields, zap.String("phase", string(evt.Phase)))
			}
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
		}
		s.logger.Info("harvest event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
