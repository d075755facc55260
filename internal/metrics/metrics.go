// Package metrics holds the Prometheus collectors for routing and dispatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dialtone"

// Registry owns a private Prometheus registry so tests can build many.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestLatency      *prometheus.HistogramVec
	AttemptsTotal       *prometheus.CounterVec
	AttemptLatency      *prometheus.HistogramVec
	FallbacksTotal      *prometheus.CounterVec
	StreamInterruptions *prometheus.CounterVec
	Candidates          prometheus.Histogram
	BreakerState        *prometheus.GaugeVec
	CostUSD             *prometheus.CounterVec
	CatalogReloads      *prometheus.CounterVec
	RateLimited         prometheus.Counter
}

func New() *Registry {
	latency := prometheus.ExponentialBuckets(10, 2, 12)
	m := &Registry{
		reg: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by mode, serving pair and outcome.",
		}, []string{"mode", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_ms",
			Help:      "End-to-end request latency in milliseconds, fallbacks included.",
			Buckets:   latency,
		}, []string{"mode"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Backend attempts by pair and outcome (ok, skipped or an error kind).",
		}, []string{"model", "provider", "outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_latency_ms",
			Help:      "Per-attempt latency in milliseconds.",
			Buckets:   latency,
		}, []string{"provider"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Attempts that failed over to the next candidate.",
		}, []string{"provider", "kind"}),
		StreamInterruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_interruptions_total",
			Help:      "Bound streams that failed after the first chunk.",
		}, []string{"model", "provider"}),
		Candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eligible_candidates",
			Help:      "Number of ranked candidates per request.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend from reported token usage.",
		}, []string{"model", "provider"}),
		CatalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Catalog reloads by result.",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
	m.reg.MustRegister(
		m.RequestsTotal, m.RequestLatency,
		m.AttemptsTotal, m.AttemptLatency, m.FallbacksTotal,
		m.StreamInterruptions, m.Candidates, m.BreakerState,
		m.CostUSD, m.CatalogReloads, m.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Gatherer exposes the registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
