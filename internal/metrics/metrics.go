// Package metrics defines the Prometheus instrumentation of the
// control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector of the process. All methods are safe
// on a nil receiver so instrumentation stays optional in tests.
type Metrics struct {
	messagesConsumed *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	ingestRuns       *prometheus.CounterVec
	reconcileSweeps  prometheus.Counter
	workflowDuration prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_messages_consumed_total",
			Help: "Consumed command messages by outcome.",
		}, []string{"outcome"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_events_published_total",
			Help: "Published broker events by routing key.",
		}, []string{"routing_key"}),
		ingestRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_ingest_runs_total",
			Help: "Processed ingest runs by terminal status.",
		}, []string{"status"}),
		reconcileSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_reconcile_sweeps_total",
			Help: "Completed reconciler sweeps.",
		}),
		workflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "controlplane_workflow_duration_seconds",
			Help:    "Wall time from workflow start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// MessageConsumed counts one consumed message with the given outcome
// (ok, validation_failed, requeued).
func (m *Metrics) MessageConsumed(outcome string) {
	if m == nil {
		return
	}
	m.messagesConsumed.WithLabelValues(outcome).Inc()
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(routingKey string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(routingKey).Inc()
}

// IngestRunFinished counts one terminal ingest run.
func (m *Metrics) IngestRunFinished(status string) {
	if m == nil {
		return
	}
	m.ingestRuns.WithLabelValues(status).Inc()
}

// ReconcileSweep counts one reconciler sweep.
func (m *Metrics) ReconcileSweep() {
	if m == nil {
		return
	}
	m.reconcileSweeps.Inc()
}

// WorkflowFinished observes the workflow duration in seconds.
func (m *Metrics) WorkflowFinished(seconds float64) {
	if m == nil {
		return
	}
	m.workflowDuration.Observe(seconds)
}
