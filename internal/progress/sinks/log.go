package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/progress"
)

// LogSink writes each task lifecycle event as a structured log entry.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Uint64("handle", evt.Handle),
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", evt.Kind),
			zap.Stringer("module_id", evt.ModuleID),
			zap.Time("ts", evt.TS),
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome), zap.Int("responses", evt.Responses), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("task event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	return nil
}
