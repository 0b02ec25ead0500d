// Package metrics declares the Prometheus collectors scraped from
// /metrics; the broker, log store, session, and admission packages
// update them directly through the Collector's fields.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry so that constructing
// more than one (as tests do) never panics on duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsMax    prometheus.Gauge

	SubmitsTotal   prometheus.Counter
	SubmitErrors   *prometheus.CounterVec
	IssuesSent     prometheus.Counter
	IssuesSkipped  *prometheus.CounterVec
	SubscribeTotal *prometheus.CounterVec

	LogStoreWrites  prometheus.Counter
	LogStoreReads   prometheus.Counter
	LogStoreErrors  *prometheus.CounterVec
	RateLimitedSubs prometheus.Counter

	AdmissionRejections *prometheus.CounterVec

	MemoryUsageBytes prometheus.Gauge
	CPUUsagePercent  prometheus.Gauge
	GoroutinesActive prometheus.Gauge
}

// New builds and registers every collector.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbroker_connections_total",
			Help: "Total number of WebSocket connections established",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsbroker_connections_active",
			Help: "Current number of active WebSocket connections",
		}),
		ConnectionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsbroker_connections_max",
			Help: "Maximum allowed WebSocket connections",
		}),

		SubmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbroker_submits_total",
			Help: "Total number of SubmitPublication commands accepted",
		}),
		SubmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbroker_submit_errors_total",
			Help: "Total SubmitPublication failures by kind",
		}, []string{"kind"}),
		IssuesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbroker_issues_sent_total",
			Help: "Total Issue fan-out notifications delivered to a subscriber outbox",
		}),
		IssuesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbroker_issues_skipped_total",
			Help: "Total Issue notifications skipped by reason",
		}, []string{"reason"}),
		SubscribeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbroker_subscribe_total",
			Help: "Total subscribe/unsubscribe commands by kind and outcome",
		}, []string{"kind", "outcome"}),

		LogStoreWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbroker_log_store_writes_total",
			Help: "Total publications persisted to the log store",
		}),
		LogStoreReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbroker_log_store_reads_total",
			Help: "Total publications read back from the log store",
		}),
		LogStoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbroker_log_store_errors_total",
			Help: "Total log store errors by kind",
		}, []string{"kind"}),
		RateLimitedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbroker_rate_limited_submits_total",
			Help: "Total SubmitPublication commands rejected by the per-client rate limiter",
		}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbroker_admission_rejections_total",
			Help: "Total connection attempts rejected by the admission guard, by reason",
		}, []string{"reason"}),

		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsbroker_memory_bytes",
			Help: "Current process memory usage in bytes",
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsbroker_cpu_usage_percent",
			Help: "Current host CPU usage percentage",
		}),
		GoroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsbroker_goroutines_active",
			Help: "Current number of active goroutines",
		}),
	}

	reg.MustRegister(
		c.ConnectionsTotal, c.ConnectionsActive, c.ConnectionsMax,
		c.SubmitsTotal, c.SubmitErrors, c.IssuesSent, c.IssuesSkipped, c.SubscribeTotal,
		c.LogStoreWrites, c.LogStoreReads, c.LogStoreErrors, c.RateLimitedSubs,
		c.AdmissionRejections,
		c.MemoryUsageBytes, c.CPUUsagePercent, c.GoroutinesActive,
	)
	return c
}

// Handler serves this collector's registry for mounting at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
