// Package metrics registers the prometheus collectors observed by the
// server-side services manager and the pool executor: per-call counters
// keyed by reply status, an in-flight gauge, latency histograms, and an
// executor back-pressure counter. Grounded on the third-party
// ecosystem's standard client_golang idiom (package-level registry,
// collectors constructed once and reused), kept in its own package so
// transports never construct collectors ad hoc.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors this module exposes. Callers register
// it once against a prometheus.Registerer (typically the default
// registry, via MustRegister). InFlightQueries is registered but no
// component in this module updates it.
type Registry struct {
	CallsTotal      *prometheus.CounterVec
	CallLatency     *prometheus.HistogramVec
	InFlightQueries prometheus.Gauge
	ExecutorDropped prometheus.Counter
}

// New constructs a fresh Registry. Collectors are independent per call so
// multiple Registries (e.g. one per test) never collide on metric names
// unless MustRegister is called against the same Registerer twice.
func New() *Registry {
	return &Registry{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wrpc",
			Name:      "calls_total",
			Help:      "Total completed RPC calls by reply status.",
		}, []string{"status"}),
		CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wrpc",
			Name:      "call_latency_seconds",
			Help:      "RPC call latency from services-manager dispatch to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		InFlightQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wrpc",
			Name:      "inflight_queries",
			Help:      "Queries currently registered in a client connection's transaction table.",
		}),
		ExecutorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wrpc",
			Name:      "executor_dropped_total",
			Help:      "Queries rejected by an executor due to back-pressure.",
		}),
	}
}

// MustRegister registers every collector in r against reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.CallsTotal, r.CallLatency, r.InFlightQueries, r.ExecutorDropped)
}

// ObserveCall records one completed call's latency and status.
func (r *Registry) ObserveCall(service, method, status string, start time.Time) {
	r.CallLatency.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
	r.CallsTotal.WithLabelValues(status).Inc()
}
