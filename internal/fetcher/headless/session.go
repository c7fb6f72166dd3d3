package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
)

// Session is one browser tab checked out of the fetcher. It holds a parallelism
// slot until Close is called. Close is safe to call more than once.
type Session struct {
	ctx     context.Context
	cancels []context.CancelFunc
	release func()
	once    sync.Once

	mu   sync.Mutex // guards stop against a parent canceled mid-open
	stop func() bool
}

// OpenSession acquires a slot and opens a tab bounded by the navigation timeout.
// Cancelling parent also tears the tab down.
func (f *Fetcher) OpenSession(parent context.Context) (*Session, error) {
	if err := f.acquire(parent); err != nil {
		return nil, err
	}
	if err := parent.Err(); err != nil {
		f.release()
		return nil, fmt.Errorf("open browser session: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	timeoutCtx, timeoutCancel := context.WithTimeout(tabCtx, f.navTimeout())
	s := &Session{
		ctx:     timeoutCtx,
		cancels: []context.CancelFunc{timeoutCancel, tabCancel},
		release: f.release,
	}
	s.mu.Lock()
	s.stop = context.AfterFunc(parent, s.Close)
	s.mu.Unlock()
	f.sessions.Add(1)
	return s, nil
}

// Context is the tab context actions run against.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close cancels the tab and returns the slot.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		for _, cancel := range s.cancels {
			cancel()
		}
		s.release()
	})
}
