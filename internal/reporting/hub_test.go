package reporting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatch: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleReport("r1"))
	hub.Emit(sampleReport("r2"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatch: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleReport("r1"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleReport("r1"))
	hub.Emit(sampleReport("r2"))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	total := 0
	for _, b := range sink.Batches() {
		total += len(b)
	}
	require.Equal(t, 2, total)
	require.True(t, sink.Closed())

	hub.Emit(sampleReport("late"))
}

func TestHubDiscardsUnfinalizedReports(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	open := pipeline.NewRunReport("r1", "regione", time.Now())
	hub.Emit(*open)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{reports: make(chan pipeline.RunReport), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleReport("r1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(sampleReport("r1")))
	r := sampleReport("r1")
	r.ID = ""
	require.Error(t, Validate(r))
	r = sampleReport("r1")
	r.State = pipeline.StatePersisting
	require.Error(t, Validate(r))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]pipeline.RunReport
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []pipeline.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]pipeline.RunReport(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]pipeline.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]pipeline.RunReport(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleReport(id string) pipeline.RunReport {
	r := pipeline.NewRunReport(id, "regione", time.Now().Add(-time.Second))
	return r.Finalize(time.Now())
}
