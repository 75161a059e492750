// Package metrics registers the Prometheus collectors the orchestrator
// exposes on /metrics: phase durations, pending questions, question wait
// time, notification delivery outcomes, and command outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector registered against one registry.
type Metrics struct {
	PhaseDuration      *prometheus.HistogramVec
	QuestionsPending   prometheus.Gauge
	QuestionWait       prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec
	CommandsTotal      *prometheus.CounterVec
	Registry           *prometheus.Registry
}

// New creates a fresh registry and registers every collector on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopilot_phase_duration_seconds",
			Help:    "Duration of a phase/step command execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase", "step"}),
		QuestionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_questions_pending",
			Help: "Number of questions currently awaiting a human answer.",
		}),
		QuestionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopilot_question_wait_seconds",
			Help:    "Time between a question becoming pending and being answered.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_notifications_total",
			Help: "Notification delivery attempts by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_commands_total",
			Help: "Workflow commands run against the agent, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.PhaseDuration, m.QuestionsPending, m.QuestionWait, m.NotificationsTotal, m.CommandsTotal)
	return m
}
