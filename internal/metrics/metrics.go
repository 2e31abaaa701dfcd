// Package metrics exposes runner events as prometheus collectors.
package metrics

import (
	"blockci/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	Stages        *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Retries       *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockci_runs_total",
				Help: "Total number of finished runs by verdict",
			},
			[]string{"pipeline", "verdict"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockci_run_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"pipeline"},
		),
		Stages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockci_stage_outcomes_total",
				Help: "Total number of stage outcomes",
			},
			[]string{"pipeline", "stage", "outcome", "reason"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockci_stage_duration_seconds",
				Help:    "Duration of executed stages, retries included",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"pipeline", "stage"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockci_stage_retries_total",
				Help: "Total number of stage retries after transient failures",
			},
			[]string{"pipeline", "stage"},
		),
		ActiveRuns: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockci_active_runs",
				Help: "Number of runs in progress",
			},
		),
	}
}

// Observe is a runner event listener.
func (m *Metrics) Observe(ev core.Event) {
	switch ev.Type {
	case core.EventRunStarted:
		m.ActiveRuns.Inc()
	case core.EventRunFinished:
		m.ActiveRuns.Dec()
		m.Runs.WithLabelValues(ev.Pipeline, string(ev.Report.Verdict())).Inc()
		m.RunDuration.WithLabelValues(ev.Pipeline).Observe(ev.Report.Duration().Seconds())
	case core.EventStageRetrying:
		m.Retries.WithLabelValues(ev.Pipeline, ev.Stage).Inc()
	case core.EventStageFinished:
		r := ev.Result
		m.Stages.WithLabelValues(ev.Pipeline, ev.Stage, string(r.Outcome), string(r.Reason)).Inc()
		if r.Attempts > 0 {
			m.StageDuration.WithLabelValues(ev.Pipeline, ev.Stage).Observe(r.Duration.Seconds())
		}
	}
}
