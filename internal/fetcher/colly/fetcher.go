// Package collyfetcher implements the simple HTTP fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/fetcher/ratelimit"
	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
}

// Fetcher implements pipeline.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	now           func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// visitResult is filled in by the collector callbacks.
type visitResult struct {
	page     pipeline.RawPage
	status   int
	fetchErr error
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger.Named("colly"),
		now:           time.Now,
	}
}

// Fetch executes a single HTTP GET for the target.
func (f *Fetcher) Fetch(ctx context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	if err := pipeline.ValidateURL(target.URL); err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0, err)
	}
	if err := f.limiter.Wait(ctx, target.URL); err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Transient, target, 0, err)
	}

	result := &visitResult{}
	start := f.now()
	collector, guard := f.buildCollector(target, start, result)

	if err := f.runCollector(ctx, collector, target.URL); err != nil {
		if ctx.Err() != nil {
			// The visit goroutine may still be writing result.
			return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Transient, target, 0, err)
		}
		return pipeline.RawPage{}, f.classify(target, result, err)
	}
	if result.fetchErr != nil {
		return pipeline.RawPage{}, f.classify(target, result, result.fetchErr)
	}
	if guard != nil {
		if ok, reason := guard.Indeterminate(); ok {
			f.logger.Warn("robots.txt indeterminate, assumed allow-all",
				zap.String("target_id", target.ID),
				zap.String("reason", reason),
			)
		}
	}
	metrics.ObserveFetchBytes(target.URL, result.page.Size())
	return result.page, nil
}

func (f *Fetcher) buildCollector(
	target pipeline.Target,
	start time.Time,
	result *visitResult,
) (*colly.Collector, *robotsGuard) {
	collector := f.baseCollector.Clone()
	// Clones share the visited-URL store, and a scheduled target is fetched again on every run.
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots || target.RespectRobots
	collector.IgnoreRobotsTxt = !respectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var guard *robotsGuard
	if respectRobots {
		guard = newRobotsGuard(f.transport)
		collector.WithTransport(guard)
	} else {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, target, start, result)
	return collector, guard
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	target pipeline.Target,
	start time.Time,
	result *visitResult,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(target, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		result.page = pipeline.RawPage{
			TargetID:   target.ID,
			URL:        target.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			FetchedAt:  start,
			Duration:   time.Since(start),
			Strategy:   pipeline.StrategySimple,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		result.fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// classify turns a collector failure into a FetchError.
func (f *Fetcher) classify(target pipeline.Target, result *visitResult, err error) *pipeline.FetchError {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL):
		return pipeline.NewFetchError(pipeline.Permanent, target, result.status, err)
	}
	if kind, failed := pipeline.ClassifyStatus(result.status); failed && result.status != 0 {
		return pipeline.NewFetchError(kind, target, result.status, err)
	}
	return pipeline.NewFetchError(pipeline.ClassifyError(err), target, result.status, err)
}

func (f *Fetcher) copyHeaders(target pipeline.Target, r *colly.Request) {
	if f.cfg.AcceptLanguage != "" {
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	}
	for key, values := range target.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
