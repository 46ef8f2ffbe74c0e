// Package metrics exposes Prometheus collectors for the fetch pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal          *prometheus.CounterVec
	fetchAttemptDurationSeconds *prometheus.HistogramVec
	fetchCacheLookupsTotal      *prometheus.CounterVec
	fetchExhaustedTotal         prometheus.Counter
	proxyPoolWorking            prometheus.Gauge
	proxyFailuresTotal          prometheus.Counter
	challengeResolutionsTotal   *prometheus.CounterVec
	batchURLsTotal              *prometheus.CounterVec
	fetchRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Total number of strategy attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchAttemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_attempt_duration_seconds",
				Help:    "Histogram of strategy attempt latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		)

		fetchCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_cache_lookups_total",
				Help: "Total number of cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		fetchExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_exhausted_total",
				Help: "Total number of fetches where every strategy failed.",
			},
		)

		proxyPoolWorking = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_pool_working",
				Help: "Number of proxies currently in rotation.",
			},
		)

		proxyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_failures_total",
				Help: "Total number of proxies removed from rotation after a failure.",
			},
		)

		challengeResolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "challenge_resolutions_total",
				Help: "Total number of challenge solve attempts, labeled by kind, solver and outcome.",
			},
			[]string{"kind", "solver", "outcome"},
		)

		batchURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_urls_total",
				Help: "Total number of batch items, labeled by status.",
			},
			[]string{"status"},
		)

		fetchRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one strategy invocation.
func ObserveAttempt(strategy, outcome string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	fetchAttemptDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit, miss or error.
func ObserveCacheLookup(result string) {
	Init()
	fetchCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveExhausted counts a fetch where every strategy failed.
func ObserveExhausted() {
	Init()
	fetchExhaustedTotal.Inc()
}

// SetWorkingProxies sets the size of the proxy working set.
func SetWorkingProxies(n int) {
	Init()
	proxyPoolWorking.Set(float64(n))
}

// ObserveProxyFailure counts a proxy removed from rotation.
func ObserveProxyFailure() {
	Init()
	proxyFailuresTotal.Inc()
}

// ObserveChallenge records a solver attempt.
func ObserveChallenge(kind, solver, outcome string) {
	Init()
	challengeResolutionsTotal.WithLabelValues(kind, solver, outcome).Inc()
}

// ObserveBatch adds the per-status item counts of a finished batch.
func ObserveBatch(succeeded, failed, skipped int) {
	Init()
	batchURLsTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	batchURLsTotal.WithLabelValues("failed").Add(float64(failed))
	batchURLsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	fetchRateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
