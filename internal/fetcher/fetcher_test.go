package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedFetcher) Fetch(_ context.Context, target pipeline.Target) (pipeline.RawPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return pipeline.RawPage{}, err
		}
	}
	return pipeline.RawPage{TargetID: target.ID, URL: target.URL, StatusCode: http.StatusOK, Body: []byte("<html></html>")}, nil
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

var testTarget = pipeline.Target{ID: "grants", URL: "https://example.com/bandi"}

func transient(status int) error {
	return pipeline.NewFetchError(pipeline.Transient, testTarget, status, errors.New("upstream"))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 30*time.Second, b.Delay(10))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()

	b := Backoff{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	for range 50 {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}

func TestRetryingSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	inner := &scriptedFetcher{errs: []error{transient(503), transient(502), nil}}
	sleeper := &recordingSleeper{}
	r := NewRetrying(inner, DefaultBackoff(), WithSleeper(sleeper.Sleep))

	page, err := r.Fetch(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, 3, page.Attempts)
	require.Len(t, sleeper.delays, 2)
	assert.GreaterOrEqual(t, sleeper.delays[0], time.Second)
	assert.Equal(t, 2*sleeper.delays[0], sleeper.delays[1])
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	inner := &scriptedFetcher{errs: []error{transient(500), transient(500), transient(500), nil}}
	sleeper := &recordingSleeper{}
	r := NewRetrying(inner, DefaultBackoff(), WithSleeper(sleeper.Sleep))

	_, err := r.Fetch(context.Background(), testTarget)
	require.ErrorIs(t, err, pipeline.ErrTransient)
	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, 3, inner.calls)
	assert.Len(t, sleeper.delays, 2)
}

func TestRetryingStopsOnPermanent(t *testing.T) {
	t.Parallel()

	notFound := pipeline.NewFetchError(pipeline.Permanent, testTarget, http.StatusNotFound, errors.New("not found"))
	inner := &scriptedFetcher{errs: []error{notFound}}
	sleeper := &recordingSleeper{}
	r := NewRetrying(inner, DefaultBackoff(), WithSleeper(sleeper.Sleep))

	_, err := r.Fetch(context.Background(), testTarget)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	assert.Equal(t, 1, inner.calls)
	assert.Empty(t, sleeper.delays)
}

func TestRetryingClassifiesPlainErrors(t *testing.T) {
	t.Parallel()

	inner := &scriptedFetcher{errs: []error{context.DeadlineExceeded, nil}}
	r := NewRetrying(inner, DefaultBackoff(), WithSleeper((&recordingSleeper{}).Sleep))

	page, err := r.Fetch(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Attempts)
}

func TestRetryingParentCancelStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	inner := &scriptedFetcher{errs: []error{transient(503), nil}}
	sleeper := func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	r := NewRetrying(inner, DefaultBackoff(), WithSleeper(sleeper))

	_, err := r.Fetch(ctx, testTarget)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingAttemptTimeout(t *testing.T) {
	t.Parallel()

	var deadlines int
	slow := fetchFunc(func(ctx context.Context, _ pipeline.Target) (pipeline.RawPage, error) {
		if _, ok := ctx.Deadline(); ok {
			deadlines++
		}
		<-ctx.Done()
		return pipeline.RawPage{}, ctx.Err()
	})
	r := NewRetrying(slow, Backoff{MaxAttempts: 2}, WithAttemptTimeout(5*time.Millisecond),
		WithSleeper((&recordingSleeper{}).Sleep))

	_, err := r.Fetch(context.Background(), testTarget)
	require.ErrorIs(t, err, pipeline.ErrTransient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, deadlines)
}

type fetchFunc func(context.Context, pipeline.Target) (pipeline.RawPage, error)

func (f fetchFunc) Fetch(ctx context.Context, t pipeline.Target) (pipeline.RawPage, error) {
	return f(ctx, t)
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepContext(context.Background(), 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestRouterDispatchesByStrategy(t *testing.T) {
	t.Parallel()

	simple := &scriptedFetcher{}
	browser := &scriptedFetcher{}
	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{
		pipeline.StrategySimple:  simple,
		pipeline.StrategyBrowser: browser,
	})

	page, err := r.Fetch(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategySimple, page.Strategy)

	target := testTarget
	target.Strategy = pipeline.StrategyBrowser
	page, err = r.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyBrowser, page.Strategy)
	assert.Equal(t, 1, simple.calls)
	assert.Equal(t, 1, browser.calls)
}

func TestRouterPermanentFailures(t *testing.T) {
	t.Parallel()

	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{pipeline.StrategySimple: &scriptedFetcher{}})
	assert.True(t, r.Supports(pipeline.StrategySimple))
	assert.False(t, r.Supports(pipeline.StrategyBrowser))

	disabled := testTarget
	disabled.Disabled = true
	_, err := r.Fetch(context.Background(), disabled)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	require.ErrorIs(t, err, pipeline.ErrTargetDisabled)

	malformed := testTarget
	malformed.URL = "::not a url"
	_, err = r.Fetch(context.Background(), malformed)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	require.ErrorIs(t, err, pipeline.ErrMalformedURL)

	browser := testTarget
	browser.Strategy = pipeline.StrategyBrowser
	_, err = r.Fetch(context.Background(), browser)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	require.ErrorIs(t, err, ErrUnsupportedStrategy)
}

func TestRetryingOverRouterDoesNotRetryMalformed(t *testing.T) {
	t.Parallel()

	inner := &scriptedFetcher{}
	sleeper := &recordingSleeper{}
	r := NewRetrying(NewRouter(map[pipeline.Strategy]pipeline.Fetcher{pipeline.StrategySimple: inner}),
		DefaultBackoff(), WithSleeper(sleeper.Sleep))

	target := testTarget
	target.URL = "mailto:someone"
	_, err := r.Fetch(context.Background(), target)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
	assert.Zero(t, inner.calls)
	assert.Empty(t, sleeper.delays)
}

type fixedPromoter bool

func (p fixedPromoter) Promote(pipeline.RawPage) (bool, string) {
	return bool(p), "test"
}

func TestRouterAutoKeepsSimplePage(t *testing.T) {
	t.Parallel()

	simple, browser := &scriptedFetcher{}, &scriptedFetcher{}
	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{
		pipeline.StrategySimple:  simple,
		pipeline.StrategyBrowser: browser,
	})
	r.EnableAuto(fixedPromoter(false), nil)

	target := testTarget
	target.Strategy = pipeline.StrategyAuto
	page, err := r.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategySimple, page.Strategy)
	assert.Equal(t, 1, simple.calls)
	assert.Zero(t, browser.calls)
	assert.True(t, r.Supports(pipeline.StrategyAuto))
}

func TestRouterAutoPromotesToBrowser(t *testing.T) {
	t.Parallel()

	simple, browser := &scriptedFetcher{}, &scriptedFetcher{}
	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{
		pipeline.StrategySimple:  simple,
		pipeline.StrategyBrowser: browser,
	})
	r.EnableAuto(fixedPromoter(true), nil)

	target := testTarget
	target.Strategy = pipeline.StrategyAuto
	page, err := r.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyBrowser, page.Strategy)
	assert.Equal(t, 1, simple.calls)
	assert.Equal(t, 1, browser.calls)
}

func TestRouterAutoFallsBackWhenBrowserFails(t *testing.T) {
	t.Parallel()

	simple := &scriptedFetcher{}
	browser := &scriptedFetcher{errs: []error{errors.New("chrome crashed")}}
	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{
		pipeline.StrategySimple:  simple,
		pipeline.StrategyBrowser: browser,
	})
	r.EnableAuto(fixedPromoter(true), nil)

	target := testTarget
	target.Strategy = pipeline.StrategyAuto
	page, err := r.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategySimple, page.Strategy)
	assert.Equal(t, 1, browser.calls)
}

func TestRouterAutoWithoutBrowser(t *testing.T) {
	t.Parallel()

	simple := &scriptedFetcher{}
	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{pipeline.StrategySimple: simple})
	r.EnableAuto(fixedPromoter(true), nil)

	target := testTarget
	target.Strategy = pipeline.StrategyAuto
	page, err := r.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategySimple, page.Strategy)
}

func TestRouterAutoDisabled(t *testing.T) {
	t.Parallel()

	r := NewRouter(map[pipeline.Strategy]pipeline.Fetcher{pipeline.StrategySimple: &scriptedFetcher{}})
	assert.False(t, r.Supports(pipeline.StrategyAuto))

	target := testTarget
	target.Strategy = pipeline.StrategyAuto
	_, err := r.Fetch(context.Background(), target)
	require.ErrorIs(t, err, ErrUnsupportedStrategy)
	require.ErrorIs(t, err, pipeline.ErrPermanent)
}
