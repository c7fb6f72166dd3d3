package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in for the browser strategy when headless fetching is disabled.
// Its failures are permanent so browser targets fail fast instead of retrying.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0, ErrDisabled)
}
