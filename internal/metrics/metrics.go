// Package metrics exposes Prometheus collectors for the harvester service.
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
	fetchBytesTotal            *prometheus.CounterVec
	blocksTotal                *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	upsertsTotal               *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	proxyHealth                *prometheus.GaugeVec
	proxyCooling               *prometheus.GaugeVec
	concurrencyLimit           prometheus.Gauge
	concurrencyInUse           prometheus.Gauge
	failureRatePercent         prometheus.Gauge
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
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Duration of fetch attempts that reached the server.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Total number of response bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		blocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_blocks_total",
				Help: "Responses classified as blocked, labeled by category.",
			},
			[]string{"category"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Work items finished, labeled by result.",
			},
			[]string{"result"},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_upserts_total",
				Help: "Product upserts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Number of URLs per queue stage.",
			},
			[]string{"stage"},
		)

		proxyHealth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_health_score",
				Help: "Current health score per proxy (0-100).",
			},
			[]string{"proxy"},
		)

		proxyCooling = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_cooling_down",
				Help: "1 while a proxy is in cooldown.",
			},
			[]string{"proxy"},
		)

		concurrencyLimit = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_concurrency_limit",
				Help: "Current admission limit of the rate controller.",
			},
		)

		concurrencyInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_concurrency_in_use",
				Help: "Admission slots currently held.",
			},
		)

		failureRatePercent = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_failure_rate_percent",
				Help: "Failure rate over the controller's history window.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// ProxyLabel reduces a proxy endpoint to host:port so credentials never
// reach a label.
func ProxyLabel(endpoint string) string {
	raw := endpoint
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt. Duration and bytes are only
// recorded for attempts that got a response.
func ObserveFetch(rawURL, outcome string, duration time.Duration, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(site, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveBlock counts a blocked response.
func ObserveBlock(category string) {
	Init()
	blocksTotal.WithLabelValues(category).Inc()
}

// ObserveItem counts a finished work item.
func ObserveItem(result string) {
	Init()
	itemsTotal.WithLabelValues(result).Inc()
}

// ObserveUpsert counts an upsert outcome.
func ObserveUpsert(outcome string) {
	Init()
	upsertsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepths publishes the size of each queue stage.
func SetQueueDepths(pending, inFlight, dead int64) {
	Init()
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// SetProxyHealth publishes one proxy's health and cooldown state.
func SetProxyHealth(endpoint string, health int, cooling bool) {
	Init()
	label := ProxyLabel(endpoint)
	proxyHealth.WithLabelValues(label).Set(float64(health))
	value := 0.0
	if cooling {
		value = 1
	}
	proxyCooling.WithLabelValues(label).Set(value)
}

// SetConcurrency publishes the controller's limit and held slots.
func SetConcurrency(limit, inUse int) {
	Init()
	concurrencyLimit.Set(float64(limit))
	concurrencyInUse.Set(float64(inUse))
}

// SetFailureRate publishes the windowed failure percentage.
func SetFailureRate(percent float64) {
	Init()
	failureRatePercent.Set(percent)
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

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
