// Package telemetry exposes the engine's prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instruments, registered on a private registry
// so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived      *prometheus.CounterVec
	ExecutionsAdmitted  prometheus.Counter
	ExecutionsCompleted *prometheus.CounterVec
	StepsExecuted       *prometheus.CounterVec
	RetriesScheduled    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "everflow",
			Name:      "events_received_total",
			Help:      "Inbound events by kind (trigger, domain, subject_removed).",
		}, []string{"kind"}),
		ExecutionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "everflow",
			Name:      "executions_admitted_total",
			Help:      "Executions admitted by the trigger gate.",
		}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "everflow",
			Name:      "executions_completed_total",
			Help:      "Executions reaching a terminal status, by completion reason.",
		}, []string{"reason"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "everflow",
			Name:      "steps_executed_total",
			Help:      "Step attempts by step kind.",
		}, []string{"kind"}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "everflow",
			Name:      "retries_scheduled_total",
			Help:      "Step retries scheduled with backoff.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.EventsReceived,
		m.ExecutionsAdmitted,
		m.ExecutionsCompleted,
		m.StepsExecuted,
		m.RetriesScheduled,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
