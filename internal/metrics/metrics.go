// Package metrics exposes Prometheus collectors for the crawl pipeline.
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
	stageActiveWorkers         *prometheus.GaugeVec
	stageItemsTotal            *prometheus.CounterVec
	stageItemDurationSeconds   *prometheus.HistogramVec
	stageQueuedTotal           *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageActiveWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_stage_active_workers",
				Help: "Number of workers currently processing an item, labeled by stage.",
			},
			[]string{"stage"},
		)

		stageItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_stage_items_total",
				Help: "Total number of items processed, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		stageItemDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_stage_item_duration_seconds",
				Help:    "Histogram of per-item processing time, labeled by stage.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"stage"},
		)

		stageQueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_stage_emitted_total",
				Help: "Total number of items pushed downstream, labeled by producing stage.",
			},
			[]string{"stage"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_download_bytes_total",
				Help: "Total number of bytes persisted, labeled by site.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// IncActiveWorkers increments the active workers gauge for a stage.
func IncActiveWorkers(stage string) {
	Init()
	stageActiveWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a stage.
func DecActiveWorkers(stage string) {
	Init()
	stageActiveWorkers.WithLabelValues(stage).Dec()
}

// ObserveItem records the outcome and duration of one processed item.
func ObserveItem(stage string, status string, duration time.Duration) {
	Init()
	stageItemsTotal.WithLabelValues(stage, status).Inc()
	stageItemDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveQueued counts an item pushed downstream by stage.
func ObserveQueued(stage string) {
	Init()
	stageQueuedTotal.WithLabelValues(stage).Inc()
}

// ObserveDownload adds persisted bytes for the site of rawURL.
func ObserveDownload(rawURL string, bytesWritten int) {
	Init()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesWritten))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
