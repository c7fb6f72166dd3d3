package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Retrying wraps a Fetcher and retries transient failures.
type Retrying struct {
	next           pipeline.Fetcher
	backoff        Backoff
	attemptTimeout time.Duration
	sleep          Sleeper
	logger         *zap.Logger
}

// Option customises a Retrying fetcher.
type Option func(*Retrying)

// WithSleeper replaces the sleeper used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(r *Retrying) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithAttemptTimeout bounds every individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Retrying) {
		r.attemptTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Retrying) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetrying builds a retrying fetcher around next.
func NewRetrying(next pipeline.Fetcher, backoff Backoff, opts ...Option) *Retrying {
	r := &Retrying{
		next:    next,
		backoff: backoff.withDefaults(),
		sleep:   SleepContext,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch tries the target until it succeeds, fails permanently, or the attempt
// budget is spent. Cancelling ctx stops immediately.
func (r *Retrying) Fetch(ctx context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	strategy := string(target.EffectiveStrategy())
	var lastErr error
	for attempt := 1; attempt <= r.backoff.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return pipeline.RawPage{}, canceled(target, attempt-1, err)
		}
		page, err := r.attempt(ctx, target)
		if err == nil {
			metrics.ObserveFetchAttempt(strategy, "success")
			page.Attempts = attempt
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.RawPage{}, canceled(target, attempt, ctxErr)
		}

		fe := asFetchError(target, err)
		fe.Attempts = attempt
		metrics.ObserveFetchAttempt(strategy, fe.Kind.String())
		if fe.Kind == pipeline.Permanent {
			r.logger.Warn("permanent fetch failure",
				zap.String("target_id", target.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return pipeline.RawPage{}, fe
		}
		lastErr = fe
		if attempt == r.backoff.MaxAttempts {
			break
		}

		delay := r.backoff.Delay(attempt)
		r.logger.Info("transient fetch failure, backing off",
			zap.String("target_id", target.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return pipeline.RawPage{}, canceled(target, attempt, err)
		}
	}
	return pipeline.RawPage{}, lastErr
}

func (r *Retrying) attempt(ctx context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	if r.attemptTimeout <= 0 {
		return r.next.Fetch(ctx, target)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()
	return r.next.Fetch(attemptCtx, target)
}

func asFetchError(target pipeline.Target, err error) *pipeline.FetchError {
	var fe *pipeline.FetchError
	if errors.As(err, &fe) {
		out := *fe
		return &out
	}
	return pipeline.NewFetchError(pipeline.ClassifyError(err), target, 0, err)
}

func canceled(target pipeline.Target, attempts int, err error) *pipeline.FetchError {
	fe := pipeline.NewFetchError(pipeline.Transient, target, 0, fmt.Errorf("fetch canceled: %w", err))
	fe.Attempts = attempts
	return fe
}
