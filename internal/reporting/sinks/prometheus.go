package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// PrometheusSink exports per-report gauges and histograms. It owns its
// collectors so several sinks can run against separate registries in tests.
type PrometheusSink struct {
	reports      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	lastSuccess  *prometheus.GaugeVec
	lastNew      *prometheus.GaugeVec
	warnings     *prometheus.CounterVec
	notifyFailed *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_reports_total",
			Help: "Finalised run reports partitioned by target and state.",
		}, []string{"target", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"state"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per target.",
		}, []string{"target"}),
		lastNew: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_last_run_new_records",
			Help: "New records found by the most recent run per target.",
		}, []string{"target"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_run_warnings_total",
			Help: "Extraction and archive warnings recorded in run reports.",
		}, []string{"target"}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_notify_failures_total",
			Help: "Runs whose notification step failed.",
		}, []string{"target"}),
	}
	for _, c := range []prometheus.Collector{
		s.reports, s.duration, s.lastSuccess, s.lastNew, s.warnings, s.notifyFailed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register report collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []pipeline.RunReport) error {
	for _, r := range batch {
		s.reports.WithLabelValues(r.TargetID, string(r.State)).Inc()
		if d := r.Duration(); d > 0 {
			s.duration.WithLabelValues(string(r.State)).Observe(d.Seconds())
		}
		if len(r.Warnings) > 0 {
			s.warnings.WithLabelValues(r.TargetID).Add(float64(len(r.Warnings)))
		}
		if r.NotifyError != "" {
			s.notifyFailed.WithLabelValues(r.TargetID).Inc()
		}
		if r.State == pipeline.StateSucceeded {
			s.lastSuccess.WithLabelValues(r.TargetID).Set(float64(r.FinishedAt.Unix()))
			s.lastNew.WithLabelValues(r.TargetID).Set(float64(r.New))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
