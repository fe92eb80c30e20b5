// Package telemetry registers the Prometheus metrics exposed by the
// collection core. The default registry is used so an embedding process can
// mount promhttp without extra wiring.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_fetches_total",
			Help: "Total settled fetches (after retries), labeled by host and status class.",
		},
		[]string{"host", "status"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_fetch_bytes_total",
			Help: "Total response bytes read, labeled by host.",
		},
		[]string{"host"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_cache_lookups_total",
			Help: "Cache lookups, labeled by outcome (hit, miss, expired, error).",
		},
		[]string{"outcome"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-host token bucket.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"key"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_events_dropped_total",
			Help: "Events dropped because the log buffer was full.",
		},
	)

	policyBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_policy_blocks_total",
			Help: "URLs rejected by the policy gate, labeled by reason.",
		},
		[]string{"reason"},
	)
)

// ObserveFetch records one settled fetch attempt.
func ObserveFetch(host string, statusCode int, bytes int64) {
	fetchesTotal.WithLabelValues(host, classify(statusCode)).Inc()
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytes))
	}
}

// ObserveCacheLookup counts a cache lookup outcome.
func ObserveCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records time spent blocked on a token bucket.
func ObserveRateLimitDelay(key string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(key).Observe(d.Seconds())
}

// ObserveEventsDropped adds to the dropped-event counter.
func ObserveEventsDropped(n int64) {
	eventsDroppedTotal.Add(float64(n))
}

// ObservePolicyBlock counts a gate rejection by reason.
func ObservePolicyBlock(reason string) {
	policyBlocksTotal.WithLabelValues(reason).Inc()
}

func classify(code int) string {
	if code <= 0 {
		return "transport"
	}
	return strconv.Itoa(code/100) + "xx"
}
