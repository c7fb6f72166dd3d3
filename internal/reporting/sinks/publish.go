package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// PublishSink sends each report as a JSON event to a topic.
type PublishSink struct {
	publisher pipeline.Publisher
	topic     string
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(publisher pipeline.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes each report in order.
func (s *PublishSink) Consume(ctx context.Context, batch []pipeline.RunReport) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, r := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, r); err != nil {
			errs = append(errs, fmt.Errorf("publish report %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
