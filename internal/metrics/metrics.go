// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerPageDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerReconciledTotal        *prometheus.CounterVec
	schedulerTicksTotal           *prometheus.CounterVec
	schedulerInFlight             *prometheus.GaugeVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Pages visited, labeled by source, handler label and outcome.",
			},
			[]string{"source", "label", "outcome"},
		)

		crawlerPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_page_duration_seconds",
				Help:    "Time spent navigating and handling one page.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source", "label"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)

		crawlerReconciledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_reconciled_total",
				Help: "Entities merged into the record store, labeled by source and kind.",
			},
			[]string{"source", "kind"},
		)

		schedulerTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_ticks_total",
				Help: "Scheduler tick callbacks, labeled by scheduler name and outcome.",
			},
			[]string{"name", "outcome"},
		)

		schedulerInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_in_flight",
				Help: "Tick callbacks currently running.",
			},
			[]string{"name"},
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

// ObservePage records one page visit.
func ObservePage(source, label, outcome string, duration time.Duration) {
	Init()
	crawlerPagesTotal.WithLabelValues(source, label, outcome).Inc()
	if duration > 0 {
		crawlerPageDurationSeconds.WithLabelValues(source, label).Observe(duration.Seconds())
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// ObserveReconcile counts one merged entity.
func ObserveReconcile(source, kind string) {
	Init()
	crawlerReconciledTotal.WithLabelValues(source, kind).Inc()
}

// ObserveTick counts one finished scheduler callback.
func ObserveTick(name, outcome string) {
	Init()
	schedulerTicksTotal.WithLabelValues(name, outcome).Inc()
}

// TrackTick marks a scheduler callback as running and returns its release.
func TrackTick(name string) func() {
	Init()
	gauge := schedulerInFlight.WithLabelValues(name)
	gauge.Inc()
	return gauge.Dec
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
