package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Log writes the run summary to the logger instead of sending e-mail.
type Log struct {
	opts   options
	logger *zap.Logger
}

// NewLog builds a logging notifier.
func NewLog(logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{opts: newOptions(opts), logger: logger.Named("notify.log")}
}

// Notify logs one line per new record plus a summary line.
func (l *Log) Notify(
	_ context.Context,
	report pipeline.RunReport,
	records []pipeline.StoredRecord,
) (pipeline.NotifyResult, error) {
	records = l.opts.filter(records)
	if len(records) == 0 {
		return pipeline.NotifyResult{}, nil
	}
	summary := NewSummary(report, records, WithStatuses(l.opts.statuses), WithClock(l.opts.now))
	for _, rec := range summary.Records {
		l.logger.Info("new record",
			zap.String("target_id", summary.TargetID),
			zap.String("title", rec.Title),
			zap.String("source_url", rec.SourceURL),
			zap.String("status", rec.Status),
		)
	}
	l.logger.Info(summary.Subject(""),
		zap.String("run_id", summary.RunID),
		zap.Int("duplicate", summary.Duplicate),
	)
	metrics.ObserveNotification("logged")
	return pipeline.NotifyResult{Sent: true, ProviderID: "log"}, nil
}
