package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

func newTestFetcher() *Fetcher {
	return New(Config{UserAgent: "harvest-test", AcceptLanguage: "it-IT,it;q=0.9", Timeout: 2 * time.Second}, nil, nil)
}

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harvest-test", r.UserAgent())
		assert.Equal(t, "it-IT,it;q=0.9", r.Header.Get("Accept-Language"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><div class='bando'>A</div></body></html>")
	}))
	t.Cleanup(srv.Close)

	target := pipeline.Target{ID: "t1", URL: srv.URL + "/bandi", Headers: http.Header{"X-Trace": {"yes"}}}
	page, err := newTestFetcher().Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "t1", page.TargetID)
	assert.Equal(t, srv.URL+"/bandi", page.FinalURL)
	assert.Contains(t, string(page.Body), "bando")
	assert.Equal(t, "text/html", page.Headers.Get("Content-Type"))
	assert.Equal(t, pipeline.StrategySimple, page.Strategy)
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html></html>")
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher()
	target := pipeline.Target{ID: "t1", URL: srv.URL}
	for range 2 {
		_, err := f.Fetch(context.Background(), target)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   pipeline.FailureKind
	}{
		{http.StatusNotFound, pipeline.Permanent},
		{http.StatusGone, pipeline.Permanent},
		{http.StatusTooManyRequests, pipeline.Transient},
		{http.StatusServiceUnavailable, pipeline.Transient},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			_, err := newTestFetcher().Fetch(context.Background(), pipeline.Target{ID: "t", URL: srv.URL})
			var fe *pipeline.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, tc.status, fe.StatusCode)
		})
	}
}

func TestFetchMalformedURLIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := newTestFetcher().Fetch(context.Background(), pipeline.Target{ID: "t", URL: "not-a-url"})
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	require.ErrorIs(t, err, pipeline.ErrMalformedURL)
}

func TestFetchRobotsDisallowIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /")
			return
		}
		fmt.Fprint(w, "<html></html>")
	}))
	t.Cleanup(srv.Close)

	target := pipeline.Target{ID: "t", URL: srv.URL + "/private", RespectRobots: true}
	_, err := newTestFetcher().Fetch(context.Background(), target)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	require.ErrorIs(t, err, colly.ErrRobotsTxtBlocked)
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), pipeline.Target{ID: "t", URL: addr})
	require.ErrorIs(t, err, pipeline.ErrTransient)
}

func TestFetchHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		fmt.Fprint(w, "late")
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestFetcher().Fetch(ctx, pipeline.Target{ID: "t", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, pipeline.IsTransient(err))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{AcceptLanguage: "it-IT"}, nil, nil)
	target := pipeline.Target{ID: "t", URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	result := &visitResult{}

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, target, time.Unix(0, 0), result)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	assert.Equal(t, "it-IT", collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	assert.Equal(t, http.StatusCreated, result.page.StatusCode)
	assert.Equal(t, "https://example.com/final", result.page.BaseURL())
	assert.Equal(t, "ok", result.page.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	assert.EqualError(t, result.fetchErr, "boom")
	assert.Equal(t, http.StatusBadGateway, result.status)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
