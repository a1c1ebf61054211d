// Package metrics exposes Prometheus collectors for the fetch service.
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
	requestsTotal              *prometheus.CounterVec
	bytesWrittenTotal          *prometheus.CounterVec
	bundlesCompletedTotal      *prometheus.CounterVec
	notificationFailuresTotal  *prometheus.CounterVec
	pendingRecoveredTotal      *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlefetch_requests_total",
				Help: "Total number of requests processed, labeled by scheme and status.",
			},
			[]string{"scheme", "status"},
		)

		bytesWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlefetch_bytes_written_total",
				Help: "Total number of resource bytes written to storage, labeled by recipe.",
			},
			[]string{"recipe"},
		)

		bundlesCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlefetch_bundles_completed_total",
				Help: "Total number of bundles completed, labeled by recipe.",
			},
			[]string{"recipe"},
		)

		notificationFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlefetch_notification_failures_total",
				Help: "Completion notifications that failed and were left for recovery.",
			},
			[]string{"recipe"},
		)

		pendingRecoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlefetch_pending_recovered_total",
				Help: "Pending completions replayed at run start, labeled by outcome.",
			},
			[]string{"recipe", "outcome"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlefetch_retries_total",
				Help: "Total number of retried protocol operations.",
			},
			[]string{"operation"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bundlefetch_active_workers",
				Help: "Number of workers currently processing a request.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundlefetch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
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
	})
}

// SanitizeEndpoint extracts a lowercase host from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeEndpoint(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
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

// ObserveRequest counts one processed request.
func ObserveRequest(scheme, status string) {
	Init()
	if scheme == "" {
		scheme = "unknown"
	}
	requestsTotal.WithLabelValues(scheme, status).Inc()
}

// ObserveBytesWritten adds n bytes written for recipe.
func ObserveBytesWritten(recipe string, n int64) {
	Init()
	if n > 0 {
		bytesWrittenTotal.WithLabelValues(recipe).Add(float64(n))
	}
}

// ObserveBundleCompleted counts one completed bundle.
func ObserveBundleCompleted(recipe string) {
	Init()
	bundlesCompletedTotal.WithLabelValues(recipe).Inc()
}

// ObserveNotificationFailure counts one failed completion notification.
func ObserveNotificationFailure(recipe string) {
	Init()
	notificationFailuresTotal.WithLabelValues(recipe).Inc()
}

// ObservePendingRecovered counts one replayed pending completion.
func ObservePendingRecovered(recipe, outcome string) {
	Init()
	pendingRecoveredTotal.WithLabelValues(recipe, outcome).Inc()
}

// ObserveRetry counts one retry of operation.
func ObserveRetry(operation string) {
	Init()
	retriesTotal.WithLabelValues(operation).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one request served by the ops server.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
