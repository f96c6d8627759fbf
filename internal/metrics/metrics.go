// Package metrics exposes Prometheus collectors for the screenshot service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_captures_total",
			Help: "Browser captures executed, labeled by status and failure reason.",
		},
		[]string{"status", "reason"},
	)

	captureDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webshot_capture_duration_seconds",
			Help:    "Wall time of browser captures, labeled by status.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30, 60},
		},
		[]string{"status"},
	)

	captureBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webshot_capture_bytes_total",
			Help: "Total PNG bytes produced by successful captures.",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_cache_lookups_total",
			Help: "Capture requests by how the cache served them (hit, miss, join).",
		},
		[]string{"result"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webshot_cache_entries",
			Help: "Number of screenshots currently cached.",
		},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_cache_evictions_total",
			Help: "Cache entries removed, labeled by cause (capacity, expired).",
		},
		[]string{"cause"},
	)

	poolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_pool_acquire_total",
			Help: "Session acquire attempts, labeled by result.",
		},
		[]string{"result"},
	)

	poolAcquireWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webshot_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a browser session.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	hostLimitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_host_limit_total",
			Help: "Per-host capture admissions by result.",
		},
		[]string{"result"},
	)

	hostLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webshot_host_limit_wait_seconds",
			Help:    "Delay introduced by the per-host capture limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	poolSessionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webshot_pool_sessions_live",
			Help: "Browser sessions currently running (idle or busy).",
		},
	)

	poolSessionsRecycledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_pool_sessions_recycled_total",
			Help: "Browser sessions discarded, labeled by reason.",
		},
		[]string{"reason"},
	)

	poolLaunchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webshot_pool_launch_failures_total",
			Help: "Failed attempts to start a browser session.",
		},
	)

	poolDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webshot_pool_degraded",
			Help: "1 while the pool cannot keep any browser session alive.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records one executor run.
func ObserveCapture(status, reason string, bytes int, duration time.Duration) {
	if reason == "" {
		reason = "none"
	}
	capturesTotal.WithLabelValues(status, reason).Inc()
	captureDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	if bytes > 0 {
		captureBytesTotal.Add(float64(bytes))
	}
}

// ObserveCacheLookup records how a capture request was served.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries publishes the current cache size.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// ObserveCacheEvictions counts n entries removed for cause.
func ObserveCacheEvictions(cause string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictionsTotal.WithLabelValues(cause).Add(float64(n))
}

// ObservePoolAcquire records an acquire attempt and how long it waited.
func ObservePoolAcquire(result string, wait time.Duration) {
	poolAcquireTotal.WithLabelValues(result).Inc()
	poolAcquireWaitSeconds.Observe(wait.Seconds())
}

// ObserveHostLimit records one per-host admission ("allowed" or "rejected")
// and how long it waited.
func ObserveHostLimit(result string, wait time.Duration) {
	hostLimitTotal.WithLabelValues(result).Inc()
	if wait > time.Millisecond {
		hostLimitWaitSeconds.Observe(wait.Seconds())
	}
}

// SetPoolSessions publishes the number of live sessions.
func SetPoolSessions(n int) {
	poolSessionsLive.Set(float64(n))
}

// ObserveSessionRecycled counts a discarded session.
func ObserveSessionRecycled(reason string) {
	poolSessionsRecycledTotal.WithLabelValues(reason).Inc()
}

// ObserveLaunchFailure counts a failed session start.
func ObserveLaunchFailure() {
	poolLaunchFailuresTotal.Inc()
}

// SetPoolDegraded flips the degraded gauge.
func SetPoolDegraded(degraded bool) {
	if degraded {
		poolDegraded.Set(1)
		return
	}
	poolDegraded.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
