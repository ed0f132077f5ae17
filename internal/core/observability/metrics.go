// Package observability holds the Prometheus instruments shared across the
// engine. Collectors are created once at package init and registered into a
// registry via Init, so tests can point them at a fresh registry.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of cache store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	bundleJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundle_jobs_total",
			Help: "Bundle job state transitions.",
		},
		[]string{"state"},
	)

	bundleJobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundle_jobs_running",
			Help: "Bundle jobs currently running.",
		},
	)

	invalidationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Invalidation events consumed, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all collectors. Pass nil to leave them unregistered (they
// still accumulate, they are just not exported anywhere).
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		upstreamLatencySeconds,
		cacheOpTotal,
		cacheOpDurationSeconds,
		cacheResults,
		bundleJobsTotal,
		bundleJobsRunning,
		invalidationEventsTotal,
	)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpTotal.WithLabelValues(op, outcome).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncCacheHit(tier string) {
	cacheResults.WithLabelValues(tier, "hit").Inc()
}

func IncCacheMiss(tier string) {
	cacheResults.WithLabelValues(tier, "miss").Inc()
}

func ObserveBundleTransition(state string) {
	bundleJobsTotal.WithLabelValues(state).Inc()
}

func IncBundleRunning() { bundleJobsRunning.Inc() }
func DecBundleRunning() { bundleJobsRunning.Dec() }

// IncInvalidationEvent records one consumed invalidation event.
// Outcomes: applied, stale, decode_error, apply_error.
func IncInvalidationEvent(outcome string) {
	invalidationEventsTotal.WithLabelValues(outcome).Inc()
}
