// Package metrics declares every Prometheus collector the service emits,
// all registered on the default registry, plus the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's collectors so handlers take one dependency.
type Metrics struct {
	HTTPRequestsTotal        *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
	HTTPRequestsInFlight     prometheus.Gauge
	SearchQueriesTotal       *prometheus.CounterVec
	SearchLatency            *prometheus.HistogramVec
	CacheHitsTotal           prometheus.Counter
	CacheMissesTotal         prometheus.Counter
	UpstreamRequestsTotal    *prometheus.CounterVec
	UpstreamRequestDuration  prometheus.Histogram
	AggregationPagesFetched  prometheus.Histogram
	AggregationItemsReturned prometheus.Histogram
	AggregationPartialTotal  prometheus.Counter
	DuplicatePagesTotal      prometheus.Counter
}

// New builds the collectors and registers them on the default registry,
// so it must run at most once per process.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests served, by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Wall time spent serving HTTP requests.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "HTTP requests currently in flight.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by outcome (success, partial, error).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Single-page search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Query cache misses.",
			},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_requests_total",
				Help: "Total requests sent to the remote index by HTTP status.",
			},
			[]string{"status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upstream_request_duration_seconds",
				Help:    "Remote index request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
		),
		AggregationPagesFetched: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aggregation_pages_fetched",
				Help:    "Pages fetched per aggregated search.",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),
		AggregationItemsReturned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aggregation_items_returned",
				Help:    "Items returned per aggregated search.",
				Buckets: []float64{0, 1, 10, 25, 50, 100, 250, 500},
			},
		),
		AggregationPartialTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregation_partial_total",
				Help: "Aggregated searches that returned partial results after a mid-flight failure.",
			},
		),
		DuplicatePagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "duplicate_pages_total",
				Help: "Aggregation loops terminated because the upstream repeated a page.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.AggregationPagesFetched,
		m.AggregationItemsReturned,
		m.AggregationPartialTotal,
		m.DuplicatePagesTotal,
	)

	return m
}

// Handler serves the default registry to Prometheus scrapers.
func Handler() http.Handler {
	return promhttp.Handler()
}
