// Package metrics exposes Prometheus collectors for the sync service.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	proxyTombstonesTotal       prometheus.Counter
	proxyPoolActive            prometheus.Gauge
	proxyPoolFailed            prometheus.Gauge
	resolutionsTotal           *prometheus.CounterVec
	resolutionFetchesTotal     prometheus.Counter
	syncItemsTotal             *prometheus.CounterVec
	retriesScheduledTotal      *prometheus.CounterVec
	enrichmentCallsTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	syncRunsTotal              prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodesync_fetch_attempts_total",
				Help: "Total fetch attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "episodesync_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		proxyTombstonesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "episodesync_proxy_tombstones_total",
				Help: "Total proxies marked failed after a connection-level error.",
			},
		)

		proxyPoolActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "episodesync_proxy_pool_active",
				Help: "Proxies currently eligible for rotation.",
			},
		)

		proxyPoolFailed = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "episodesync_proxy_pool_failed",
				Help: "Proxies currently tombstoned.",
			},
		)

		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodesync_resolutions_total",
				Help: "Total candidate resolutions, labeled by result.",
			},
			[]string{"result"},
		)

		resolutionFetchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "episodesync_resolution_fetches_total",
				Help: "Total documents fetched while walking embed chains.",
			},
		)

		syncItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodesync_items_total",
				Help: "Total items processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		retriesScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodesync_retries_total",
				Help: "Retry schedule changes, labeled by action.",
			},
			[]string{"action"},
		)

		enrichmentCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodesync_enrichment_calls_total",
				Help: "Metadata enrichment calls, labeled by operation and result.",
			},
			[]string{"operation", "result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "episodesync_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		syncRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "episodesync_runs_total",
				Help: "Total sync passes completed.",
			},
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, result string, duration time.Duration) {
	Init()
	sanitized := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitized, result).Inc()
	fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// ObserveProxyTombstone increments the tombstone counter.
func ObserveProxyTombstone() {
	Init()
	proxyTombstonesTotal.Inc()
}

// SetProxyPool publishes the current pool occupancy.
func SetProxyPool(active, failed int) {
	Init()
	proxyPoolActive.Set(float64(active))
	proxyPoolFailed.Set(float64(failed))
}

// ObserveResolution records the result of resolving one candidate.
func ObserveResolution(result string) {
	Init()
	resolutionsTotal.WithLabelValues(result).Inc()
}

// ObserveResolutionFetch counts a document fetched by the resolver.
func ObserveResolutionFetch() {
	Init()
	resolutionFetchesTotal.Inc()
}

// ObserveItem records the outcome of one sync item.
func ObserveItem(outcome string) {
	Init()
	syncItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry records a retry schedule change ("scheduled", "cleared", "exhausted").
func ObserveRetry(action string) {
	Init()
	retriesScheduledTotal.WithLabelValues(action).Inc()
}

// ObserveEnrichment records an enrichment call.
func ObserveEnrichment(operation, result string) {
	Init()
	enrichmentCallsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun counts a finished sync pass.
func ObserveRun() {
	Init()
	syncRunsTotal.Inc()
}
