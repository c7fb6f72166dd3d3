package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/harvest/internal/pipeline"
	pubmemory "github.com/JakeFAU/harvest/internal/publisher/memory"
	"github.com/JakeFAU/harvest/internal/storage/memory"
)

var t0 = time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)

func succeeded(id string, newCount int) pipeline.RunReport {
	r := pipeline.NewRunReport(id, "regione", t0)
	r.New = newCount
	r.AddWarning("item 2: missing title")
	return r.Finalize(t0.Add(3 * time.Second))
}

func failed(id string) pipeline.RunReport {
	r := pipeline.NewRunReport(id, "camera", t0)
	_ = r.Enter(pipeline.StateFetching)
	r.Fail(errors.New("fetch https://example.it (permanent, status 404)"))
	return r.Finalize(t0.Add(time.Second))
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	notifyFailed := succeeded("r2", 1)
	notifyFailed.NotifyError = "notify via sendgrid: status 500"
	require.NoError(t, sink.Consume(context.Background(), []pipeline.RunReport{
		succeeded("r1", 3), notifyFailed, failed("r3"),
	}))

	assert.InDelta(t, 2.0, testutil.ToFloat64(sink.reports.WithLabelValues("regione", "succeeded")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.reports.WithLabelValues("camera", "failed")), 1e-9)
	assert.InDelta(t, float64(t0.Add(3*time.Second).Unix()),
		testutil.ToFloat64(sink.lastSuccess.WithLabelValues("regione")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.lastNew.WithLabelValues("regione")), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(sink.warnings.WithLabelValues("regione")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.notifyFailed.WithLabelValues("regione")), 1e-9)
	assert.Equal(t, 2, testutil.CollectAndCount(sink.duration, "harvest_run_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}

func TestStoreSinkPersistsReports(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	sink := NewStoreSink(store, nil)
	require.NoError(t, sink.Consume(context.Background(), []pipeline.RunReport{succeeded("r1", 3), failed("r2")}))

	got, err := store.ListReports(context.Background(), pipeline.ListQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID)
	assert.Equal(t, pipeline.StateFailed, got[0].State)
	assert.Equal(t, pipeline.StateFetching, got[0].FailedIn)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.Close()
	err := NewStoreSink(store, nil).Consume(context.Background(), []pipeline.RunReport{succeeded("r1", 0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrConnectionFailure)

	assert.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), nil))
}

func TestPublishSink(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	sink := NewPublishSink(pub, "harvest-runs")
	require.NoError(t, sink.Consume(context.Background(), []pipeline.RunReport{succeeded("r1", 3)}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "harvest-runs", msgs[0].Topic)
	assert.Contains(t, string(msgs[0].Data), `"id":"r1"`)
	assert.Contains(t, string(msgs[0].Data), `"state":"succeeded"`)

	pub.FailWith(assert.AnError)
	err := sink.Consume(context.Background(), []pipeline.RunReport{succeeded("r2", 0)})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []pipeline.RunReport{succeeded("r1", 3), failed("r2")}))

	entries := logs.FilterMessage("run finished").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "fetching", entries[1].ContextMap()["failed_in"])
}
