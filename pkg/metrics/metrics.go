// Package metrics provides Prometheus instrumentation for the signal service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestLatency tracks end-to-end analysis latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_latency_seconds",
			Help:    "End-to-end chart analysis latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "cache_status"},
	)

	// RequestsTotal tracks analysis requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_requests_total",
			Help: "Total number of analysis requests by status.",
		},
		[]string{"status"}, // "success", "cache_hit", "pool_exhausted", "throttled", "malformed", "transport"
	)

	// SignalsTotal counts returned signals by value.
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_signals_total",
			Help: "Total number of signals returned, by signal.",
		},
		[]string{"signal"},
	)

	// ActiveRequests tracks the number of currently in-flight analyses.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysis_active_requests",
			Help: "Number of currently in-flight analyses.",
		},
	)

	// PoolKeys tracks how many keys are available or cooling down.
	PoolKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_keys",
			Help: "Number of keys in the pool by state.",
		},
		[]string{"pool", "state"}, // state: "available" or "cooling_down"
	)

	// KeyCooldownsTotal counts keys placed into cooldown.
	KeyCooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_cooldowns_total",
			Help: "Total number of times a key was placed in cooldown.",
		},
		[]string{"pool", "reason"},
	)

	// PoolWaitsTotal counts waits caused by every key cooling down at once.
	PoolWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_waits_total",
			Help: "Total number of pool-wide cooldown waits.",
		},
		[]string{"pool"},
	)

	// CircuitBreakerState tracks the current state of each circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"provider"},
	)

	// CacheLookupsTotal tracks result cache lookups by result.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "result_cache_lookups_total",
			Help: "Total number of result cache lookups.",
		},
		[]string{"result"}, // "hit" or "miss"
	)
)

// RecordCacheLookup records a result cache lookup.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()
}
