package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := NewChromedp(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil, nil)
	require.Error(t, err)

	f := newTestFetcher(t, Config{MaxParallel: 2})
	assert.Equal(t, 2, cap(f.limiter))
	assert.Equal(t, "body", f.cfg.WaitSelector)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	f := &Fetcher{}
	assert.Equal(t, 45*time.Second, f.navTimeout())
	f.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, f.navTimeout())
}

func TestSessionCloseIsIdempotentAndReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{MaxParallel: 1})
	s, err := f.OpenSession(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.limiter, 1)

	s.Close()
	s.Close()
	assert.Empty(t, f.limiter)
	require.Error(t, s.Context().Err())

	s2, err := f.OpenSession(context.Background())
	require.NoError(t, err)
	s2.Close()
	assert.EqualValues(t, 2, f.OpenSessions())
}

func TestSessionWaitsForSlot(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{MaxParallel: 1})
	held, err := f.OpenSession(context.Background())
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.OpenSession(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionClosedWhenParentCanceled(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{MaxParallel: 1})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := f.OpenSession(ctx)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return len(f.limiter) == 0 }, time.Second, 5*time.Millisecond)
	require.Error(t, s.Context().Err())
	s.Close()
}

func TestSessionParentCanceledWhileOpening(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{MaxParallel: 1})
	for range 50 {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		s, err := f.OpenSession(ctx)
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
			continue
		}
		require.Eventually(t, func() bool { return len(f.limiter) == 0 }, time.Second, time.Millisecond)
		s.Close()
	}
	assert.Empty(t, f.limiter)
}

func TestFetchReleasesSessionOnEveryPath(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{MaxParallel: 1})
	target := pipeline.Target{ID: "t", URL: "https://example.com/bandi", Strategy: pipeline.StrategyBrowser}

	f.run = func(context.Context, pipeline.Target) (string, string, error) {
		return "", "", errors.New("chromedp run: websocket: close 1006 (abnormal closure)")
	}
	_, err := f.Fetch(context.Background(), target)
	require.ErrorIs(t, err, pipeline.ErrTransient)
	assert.Empty(t, f.limiter)

	f.run = func(context.Context, pipeline.Target) (string, string, error) {
		panic("driver exploded")
	}
	assert.Panics(t, func() { _, _ = f.Fetch(context.Background(), target) })
	assert.Empty(t, f.limiter)

	f.run = func(context.Context, pipeline.Target) (string, string, error) {
		return "<html><body>ok</body></html>", "https://example.com/bandi?page=1", nil
	}
	page, err := f.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, f.limiter)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "https://example.com/bandi?page=1", page.FinalURL)
	assert.Equal(t, pipeline.StrategyBrowser, page.Strategy)
	assert.EqualValues(t, 3, f.OpenSessions())
}

func TestFetchMalformedURLIsPermanent(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{})
	_, err := f.Fetch(context.Background(), pipeline.Target{ID: "t", URL: "javascript:alert(1)"})
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	assert.Zero(t, f.OpenSessions())
}

func TestClassifyBrowserError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, pipeline.Transient, classifyBrowserError(context.DeadlineExceeded))
	assert.Equal(t, pipeline.Transient, classifyBrowserError(errors.New("target closed")))
	assert.Equal(t, pipeline.Permanent, classifyBrowserError(errors.New("page load error net::ERR_INVALID_URL")))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	assert.Len(t, src["X-Test"], 2)

	netHeaders := toNetworkHeaders(src)
	assert.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	assert.Equal(t, "1", netHeaders["X-One"])
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/frame"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)
}

func TestNoopFetcherIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), pipeline.Target{ID: "t"})
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	require.ErrorIs(t, err, ErrDisabled)
}
