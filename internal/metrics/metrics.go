// Package metrics exposes Prometheus collectors for the download engine.
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
	jobsTotal                  *prometheus.CounterVec
	jobsRunning                prometheus.Gauge
	fetchOutcomesTotal         *prometheus.CounterVec
	dedupHitsTotal             *prometheus.CounterVec
	lockWaitSeconds            *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	cleanupBytesFreedTotal     prometheus.Counter
	schedulerFiringsTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetcher_jobs_total",
				Help: "Total number of jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		jobsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediafetcher_jobs_running",
				Help: "Number of jobs currently admitted and running.",
			},
		)

		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetcher_fetch_outcomes_total",
				Help: "Fetch attempts labeled by site and outcome reason.",
			},
			[]string{"site", "reason"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetcher_dedup_total",
				Help: "Content store lookups labeled by result (hit, miss, stale).",
			},
			[]string{"result"},
		)

		lockWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediafetcher_lock_wait_seconds",
				Help:    "Time spent claiming resource locks, labeled by claim outcome.",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediafetcher_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		cleanupBytesFreedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mediafetcher_cleanup_bytes_freed_total",
				Help: "Bytes reclaimed by cleanup tasks.",
			},
		)

		schedulerFiringsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetcher_scheduler_firings_total",
				Help: "Scheduled task firings labeled by kind and result.",
			},
			[]string{"kind", "result"},
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

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncRunningJobs increments the running jobs gauge.
func IncRunningJobs() {
	Init()
	jobsRunning.Inc()
}

// DecRunningJobs decrements the running jobs gauge.
func DecRunningJobs() {
	Init()
	jobsRunning.Dec()
}

// ObserveFetch records one fetch outcome. An empty reason counts as "ok".
func ObserveFetch(rawURL, reason string) {
	Init()
	if reason == "" {
		reason = "ok"
	}
	fetchOutcomesTotal.WithLabelValues(SanitizeSite(rawURL), reason).Inc()
}

// ObserveDedup records a content store lookup result.
func ObserveDedup(result string) {
	Init()
	dedupHitsTotal.WithLabelValues(result).Inc()
}

// ObserveLockWait records how long a claim took and how it ended.
func ObserveLockWait(outcome string, duration time.Duration) {
	Init()
	lockWaitSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveCleanup adds reclaimed bytes.
func ObserveCleanup(bytesFreed int64) {
	Init()
	if bytesFreed > 0 {
		cleanupBytesFreedTotal.Add(float64(bytesFreed))
	}
}

// ObserveSchedulerFiring records a scheduled task invocation.
func ObserveSchedulerFiring(kind, result string) {
	Init()
	schedulerFiringsTotal.WithLabelValues(kind, result).Inc()
}
