// Package headless implements the browser fetch strategy with chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/fetcher/ratelimit"
	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before the DOM is captured. Defaults to body.
	WaitSelector string
	// SettleDelay lets late scripts finish after WaitSelector is ready.
	SettleDelay time.Duration
	ExecPath    string
}

type runFunc func(ctx context.Context, target pipeline.Target) (html string, finalURL string, err error)

// Fetcher implements pipeline.Fetcher using chromedp and headless Chrome. Each
// session starts its own browser from the shared allocator and Close kills it,
// so nothing outlives a fetch.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	rate        *ratelimit.Limiter
	logger      *zap.Logger
	run         runFunc
	sessions    atomic.Int64
	closeOnce   sync.Once
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// started lazily by the first fetch.
func NewChromedp(cfg Config, rate *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.AcceptLanguage != "" {
		opts = append(opts, chromedp.Flag("lang", strings.SplitN(cfg.AcceptLanguage, ",", 2)[0]))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		rate:        rate,
		logger:      logger.Named("headless"),
	}
	f.run = f.runHeadless
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.closeOnce.Do(f.allocCancel)
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	if err := pipeline.ValidateURL(target.URL); err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, target, 0, err)
	}
	if err := f.rate.Wait(ctx, target.URL); err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Transient, target, 0, err)
	}

	session, err := f.OpenSession(ctx)
	if err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Transient, target, 0, err)
	}
	defer session.Close()

	meta := newResponseMeta()
	chromedp.ListenTarget(session.Context(), meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.run(session.Context(), target)
	if err != nil {
		return pipeline.RawPage{}, pipeline.NewFetchError(classifyBrowserError(err), target, 0, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(target.URL, finalURL)
	if kind, failed := pipeline.ClassifyStatus(status); failed {
		return pipeline.RawPage{}, pipeline.NewFetchError(kind, target, status,
			fmt.Errorf("document status %d", status))
	}
	if headers == nil {
		headers = http.Header{}
	}

	metrics.ObserveFetchBytes(target.URL, len(html))
	return pipeline.RawPage{
		TargetID:   target.ID,
		URL:        target.URL,
		FinalURL:   responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		FetchedAt:  start,
		Duration:   time.Since(start),
		Strategy:   pipeline.StrategyBrowser,
	}, nil
}

// OpenSessions reports how many sessions have been opened since start.
func (f *Fetcher) OpenSessions() int64 {
	return f.sessions.Load()
}

func (f *Fetcher) runHeadless(ctx context.Context, target pipeline.Target) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(target.Headers),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(f.cfg.UserAgent)
			if f.cfg.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(f.cfg.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// classifyBrowserError treats driver crashes and navigation timeouts as
// transient. Chrome's net::ERR_INVALID_URL is the only permanent one.
func classifyBrowserError(err error) pipeline.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pipeline.Transient
	}
	if strings.Contains(err.Error(), "net::ERR_INVALID_URL") {
		return pipeline.Permanent
	}
	return pipeline.Transient
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response is the main frame; later ones are iframes.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
