// Package metrics exposes Prometheus collectors for the cover service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	coverAttemptsTotal         *prometheus.CounterVec
	coverDownloadBytes         prometheus.Histogram
	resilienceShortCircuits    *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	coverResolutionsTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		coverAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cover_attempts_total",
				Help: "Fetch attempts by provider and terminal pipeline state.",
			},
			[]string{"provider", "state"},
		)

		coverDownloadBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cover_download_bytes",
				Help:    "Size of downloaded cover bodies in bytes.",
				Buckets: prometheus.ExponentialBuckets(4096, 4, 7),
			},
		)

		resilienceShortCircuits = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cover_resilience_shortcircuits_total",
				Help: "Provider calls answered by a fallback, labeled by provider and reason.",
			},
			[]string{"provider", "reason"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cover_breaker_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
			},
			[]string{"provider"},
		)

		coverResolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cover_resolutions_total",
				Help: "Item resolutions by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAttempt counts one pipeline attempt ending in state.
func ObserveAttempt(provider, state string) {
	Init()
	coverAttemptsTotal.WithLabelValues(provider, state).Inc()
}

// ObserveDownload records the size of a downloaded body.
func ObserveDownload(bytes int) {
	Init()
	coverDownloadBytes.Observe(float64(bytes))
}

// ObserveShortCircuit counts a call answered by a resilience fallback.
// reason is one of rate_limited, circuit_open, timeout.
func ObserveShortCircuit(provider, reason string) {
	Init()
	resilienceShortCircuits.WithLabelValues(provider, reason).Inc()
}

// SetBreakerState records a provider's breaker state.
func SetBreakerState(provider string, state float64) {
	Init()
	breakerState.WithLabelValues(provider).Set(state)
}

// ObserveResolution counts one item resolution by outcome.
func ObserveResolution(outcome string) {
	Init()
	coverResolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
