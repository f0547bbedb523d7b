// Package metrics exposes the control plane's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on one registry.
type Metrics struct {
	registry *prometheus.Registry

	// Executions counts finished plan executions by result
	// (success, failed, cancelled).
	Executions *prometheus.CounterVec

	// ActiveExecutions tracks queued plus running executions.
	ActiveExecutions prometheus.Gauge

	// QueueRejections counts submissions bounced off a full pool.
	QueueRejections prometheus.Counter

	// HandlerMatches counts failure classifications by matched layer
	// (method_family, recipe_generic, infra, unhandled).
	HandlerMatches *prometheus.CounterVec

	// CacheLookups counts devops cache reads by status
	// (fresh, stale, miss).
	CacheLookups *prometheus.CounterVec

	// AuditWriteFailures counts audit appends that could not land.
	AuditWriteFailures prometheus.Counter

	// ChainLoops counts detected escalation loops.
	ChainLoops prometheus.Counter
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_executions_total",
			Help: "Finished plan executions by result.",
		}, []string{"result"}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deckhand_active_executions",
			Help: "Queued plus running plan executions.",
		}),
		QueueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deckhand_queue_rejections_total",
			Help: "Plan submissions rejected because the pool was saturated.",
		}),
		HandlerMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_failure_matches_total",
			Help: "Failure classifications by matched handler layer.",
		}, []string{"layer"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_cache_lookups_total",
			Help: "Devops cache reads by freshness status.",
		}, []string{"status"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deckhand_audit_write_failures_total",
			Help: "Audit records that failed to append.",
		}),
		ChainLoops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deckhand_chain_loops_total",
			Help: "Escalation chains on which a loop was detected.",
		}),
	}

	reg.MustRegister(
		m.Executions,
		m.ActiveExecutions,
		m.QueueRejections,
		m.HandlerMatches,
		m.CacheLookups,
		m.AuditWriteFailures,
		m.ChainLoops,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
