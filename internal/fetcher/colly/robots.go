package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/harvest/internal/metrics"
)

const (
	fallbackTLSHandshake = "TLS handshake timeout"
	allowAllRobots       = "User-agent: *\nAllow: /"
)

// robotsGuard wraps the transport of a collector that honours robots.txt.
// Requests for /robots.txt that keep timing out are answered with an allow-all
// file so a flaky TLS endpoint does not block the page itself.
type robotsGuard struct {
	base   http.RoundTripper
	delays []time.Duration
	sleep  func(context.Context, time.Duration) error

	mu       sync.Mutex
	fallback string
}

func newRobotsGuard(base http.RoundTripper) *robotsGuard {
	return &robotsGuard{
		base:   base,
		delays: []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second},
		sleep:  sleepCtx,
	}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return g.base.RoundTrip(req) //nolint:wrapcheck // transparent pass-through
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !timedOut(err) {
			return nil, fmt.Errorf("robots fetch %s: %w", req.URL.Host, err)
		}
		if attempt == len(g.delays) {
			g.fallBack(fallbackTLSHandshake)
			return allowAll(req), nil
		}
		if err := g.sleep(req.Context(), g.delays[attempt]); err != nil {
			return nil, fmt.Errorf("robots fetch backoff: %w", err)
		}
	}
}

// Indeterminate reports whether a robots fetch fell back to allow-all and why.
func (g *robotsGuard) Indeterminate() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fallback != "", g.fallback
}

func (g *robotsGuard) fallBack(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fallback != "" {
		return
	}
	g.fallback = reason
	metrics.ObserveRobotsTLSHandshakeTimeout()
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller wraps
	case <-t.C:
		return nil
	}
}
