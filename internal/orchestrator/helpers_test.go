package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest/internal/extract"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

const testRule = "bandi"

func compiledRules(t *testing.T) map[string]*extract.Compiled {
	t.Helper()
	rules, err := extract.CompileAll(map[string]extract.Rule{
		testRule: {
			Item:     "div.bando",
			Identity: []string{"title", "url"},
			Fields: []extract.FieldRule{
				{Name: "title", Selector: "h2", Required: true},
				{Name: "url", Selector: "a", Type: extract.TypeURL, Required: true},
				{Name: "amount", Selector: ".importo", Type: extract.TypeNumber},
			},
		},
	})
	require.NoError(t, err)
	return rules
}

// grantsPage renders one div.bando per title. An empty title produces an item
// missing its required field.
func grantsPage(titles ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><h1>Bandi aperti</h1>")
	for i, title := range titles {
		fmt.Fprintf(&b, `<div class="bando"><h2>%s</h2><a href="/bandi/%d">Dettagli</a><span class="importo">€ %d.000,00</span></div>`,
			title, i+1, (i+1)*100)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func target(id, url string) pipeline.Target {
	return pipeline.Target{ID: id, Name: id, URL: url, Strategy: pipeline.StrategySimple, Rule: testRule}
}

// pageFetcher serves a fixed body per target ID.
type pageFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  int
	err    error
	block  chan struct{}
	panics bool

	active    int
	maxActive int
}

func (f *pageFetcher) set(targetID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[string]string)
	}
	f.bodies[targetID] = body
}

func (f *pageFetcher) Fetch(ctx context.Context, t pipeline.Target) (pipeline.RawPage, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	body, err, block, panics := f.bodies[t.ID], f.err, f.block, f.panics
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if panics {
		panic("driver exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Transient, t, 0, ctx.Err())
		}
	}
	if err != nil {
		return pipeline.RawPage{}, err
	}
	return pipeline.RawPage{
		TargetID:   t.ID,
		URL:        t.URL,
		FinalURL:   t.URL,
		StatusCode: 200,
		Body:       []byte(body),
		FetchedAt:  time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC),
		Strategy:   pipeline.StrategySimple,
	}, nil
}

func (f *pageFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *pageFetcher) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// recordingNotifier keeps every batch it was asked to announce.
type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]pipeline.StoredRecord
	err   error
}

func (n *recordingNotifier) Notify(
	_ context.Context,
	_ pipeline.RunReport,
	records []pipeline.StoredRecord,
) (pipeline.NotifyResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, append([]pipeline.StoredRecord(nil), records...))
	if n.err != nil {
		return pipeline.NotifyResult{}, n.err
	}
	return pipeline.NotifyResult{Sent: true, Recipients: 1}, nil
}

func (n *recordingNotifier) Calls() [][]pipeline.StoredRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]pipeline.StoredRecord(nil), n.calls...)
}

// recordingEmitter collects emitted reports.
type recordingEmitter struct {
	mu      sync.Mutex
	reports []pipeline.RunReport
}

func (e *recordingEmitter) Emit(r pipeline.RunReport) {
	e.mu.Lock()
	e.reports = append(e.reports, r)
	e.mu.Unlock()
}

func (e *recordingEmitter) Reports() []pipeline.RunReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pipeline.RunReport(nil), e.reports...)
}

func mockAnything() any {
	return mock.Anything
}
