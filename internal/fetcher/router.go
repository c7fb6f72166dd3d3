package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// ErrUnsupportedStrategy is returned when no fetcher is registered for a
// target's strategy.
var ErrUnsupportedStrategy = errors.New("unsupported fetch strategy")

// Promoter decides whether a simple fetch should be redone in a browser.
type Promoter interface {
	Promote(page pipeline.RawPage) (bool, string)
}

// Router dispatches each target to the fetcher registered for its strategy.
type Router struct {
	routes   map[pipeline.Strategy]pipeline.Fetcher
	promoter Promoter
	logger   *zap.Logger
}

// NewRouter builds a router. Nil fetchers are ignored.
func NewRouter(routes map[pipeline.Strategy]pipeline.Fetcher) *Router {
	r := &Router{
		routes: make(map[pipeline.Strategy]pipeline.Fetcher, len(routes)),
		logger: zap.NewNop(),
	}
	for strategy, f := range routes {
		r.Register(strategy, f)
	}
	return r
}

// Register binds a strategy to a fetcher.
func (r *Router) Register(strategy pipeline.Strategy, f pipeline.Fetcher) {
	if f == nil {
		return
	}
	r.routes[strategy] = f
}

// EnableAuto turns on the auto strategy. Pages fetched with the simple
// fetcher are refetched with the browser when p promotes them.
func (r *Router) EnableAuto(p Promoter, logger *zap.Logger) {
	if logger != nil {
		r.logger = logger.Named("router")
	}
	r.promoter = p
}

// Supports reports whether a fetcher is registered for the strategy.
func (r *Router) Supports(strategy pipeline.Strategy) bool {
	if strategy == pipeline.StrategyAuto {
		return r.promoter != nil && r.Supports(pipeline.StrategySimple)
	}
	_, ok := r.routes[strategy]
	return ok
}

// Fetch validates the target and hands it to the matching fetcher.
func (r *Router) Fetch(ctx context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	if target.Disabled {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0, pipeline.ErrTargetDisabled)
	}
	if err := pipeline.ValidateURL(target.URL); err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0, err)
	}
	strategy := target.EffectiveStrategy()
	if strategy == pipeline.StrategyAuto && r.promoter != nil {
		return r.fetchAuto(ctx, target)
	}
	f, ok := r.routes[strategy]
	if !ok {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0,
			fmt.Errorf("%w: %q", ErrUnsupportedStrategy, strategy))
	}
	page, err := f.Fetch(ctx, target)
	if err != nil {
		return pipeline.RawPage{}, err
	}
	page.Strategy = strategy
	if page.TargetID == "" {
		page.TargetID = target.ID
	}
	return page, nil
}

func (r *Router) fetchAuto(ctx context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	simple, ok := r.routes[pipeline.StrategySimple]
	if !ok {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0,
			fmt.Errorf("%w: %q", ErrUnsupportedStrategy, pipeline.StrategySimple))
	}
	page, err := simple.Fetch(ctx, target)
	if err != nil {
		return pipeline.RawPage{}, err
	}
	page.Strategy = pipeline.StrategySimple
	if page.TargetID == "" {
		page.TargetID = target.ID
	}

	promote, reason := r.promoter.Promote(page)
	browser, hasBrowser := r.routes[pipeline.StrategyBrowser]
	if !promote || !hasBrowser {
		return page, nil
	}
	r.logger.Info("promoting target to browser fetch",
		zap.String("target_id", target.ID),
		zap.String("reason", reason),
	)
	rendered, err := browser.Fetch(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.RawPage{}, err
		}
		r.logger.Warn("browser fetch failed, keeping simple page",
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
		return page, nil
	}
	rendered.Strategy = pipeline.StrategyBrowser
	if rendered.TargetID == "" {
		rendered.TargetID = target.ID
	}
	return rendered, nil
}
