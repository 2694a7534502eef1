// Package metrics exports alignment session counters and histograms for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autoalign/internal/align"
)

const namespace = "autoalign"

// OutcomeSucceeded labels converged sessions; failures use the failure kind name.
const OutcomeSucceeded = "succeeded"

// Metrics is an align.StepListener and an align.Observer.
type Metrics struct {
	registry *prometheus.Registry

	sessions        *prometheus.CounterVec
	steps           prometheus.Counter
	starsPerStep    prometheus.Histogram
	sessionDuration prometheus.Histogram
	sessionSteps    prometheus.Histogram
	lastFocus       prometheus.Gauge
	lastOffset      *prometheus.GaugeVec
}

// New registers the collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Alignment sessions by outcome.",
		}, []string{"outcome"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Completed alignment iterations.",
		}),
		starsPerStep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_stars",
			Help:      "Stars detected per iteration.",
			Buckets:   []float64{10, 25, 50, 100, 200, 400, 800, 1600},
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time of alignment sessions.",
			Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200, 2400},
		}),
		sessionSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_steps",
			Help:      "Iterations per session.",
			Buckets:   prometheus.LinearBuckets(1, 1, 15),
		}),
		lastFocus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_focus_offset",
			Help:      "Z offset of the last converged session.",
		}),
		lastOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_offset",
			Help:      "Offsets computed by the most recent iteration.",
		}, []string{"axis"}),
	}
	reg.MustRegister(m.sessions, m.steps, m.starsPerStep, m.sessionDuration, m.sessionSteps, m.lastFocus, m.lastOffset)
	return m
}

// RecordStep updates the per-iteration collectors.
func (m *Metrics) RecordStep(ev align.StepEvent) error {
	m.steps.Inc()
	m.starsPerStep.Observe(float64(len(ev.Stars)))
	for _, axis := range []align.Axis{align.AxisX, align.AxisY, align.AxisZ, align.AxisU, align.AxisV} {
		m.lastOffset.WithLabelValues(string(axis)).Set(ev.Position.Get(axis))
	}
	return nil
}

// SessionFinished counts the outcome.
func (m *Metrics) SessionFinished(cfg align.Config, res align.Result) {
	outcome := OutcomeSucceeded
	if res.Failure != nil {
		outcome = res.Failure.Kind.String()
	} else {
		m.lastFocus.Set(res.Position.Z)
	}
	m.sessions.WithLabelValues(outcome).Inc()
	m.sessionDuration.Observe(res.Duration.Seconds())
	m.sessionSteps.Observe(float64(res.Steps))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
