package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// LogSink writes one structured line per report. Failed runs log at warn.
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

// Consume logs each report in the batch.
func (s *LogSink) Consume(_ context.Context, batch []pipeline.RunReport) error {
	for _, r := range batch {
		level := zapcore.InfoLevel
		if r.State == pipeline.StateFailed {
			level = zapcore.WarnLevel
		}
		fields := []zap.Field{
			zap.String("run_id", r.ID),
			zap.String("target_id", r.TargetID),
			zap.String("state", string(r.State)),
			zap.Duration("duration", r.Duration()),
			zap.Int("fetched", r.Fetched),
			zap.Int("extracted", r.Extracted),
			zap.Int("new", r.New),
			zap.Int("duplicate", r.Duplicate),
			zap.Int("failed", r.Failed),
			zap.Int("warnings", len(r.Warnings)),
			zap.Bool("notified", r.Notified),
		}
		if r.FailedIn != "" {
			fields = append(fields, zap.String("failed_in", string(r.FailedIn)))
		}
		if len(r.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", r.Errors))
		}
		if r.NotifyError != "" {
			fields = append(fields, zap.String("notify_error", r.NotifyError))
		}
		if ce := s.logger.Check(level, "run finished"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
