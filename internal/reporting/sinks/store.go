package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// StoreSink persists reports through a pipeline.ReportStore.
type StoreSink struct {
	store  pipeline.ReportStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(store pipeline.ReportStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume saves every report. A failure for one report does not stop the rest;
// all failures are returned joined.
func (s *StoreSink) Consume(ctx context.Context, batch []pipeline.RunReport) error {
	if s == nil || s.store == nil {
		return nil
	}
	var errs []error
	for _, r := range batch {
		if err := s.store.SaveReport(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("save report %s: %w", r.ID, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
