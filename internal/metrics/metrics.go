// Package metrics exposes Prometheus collectors for the acquisition service.
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
	syncItemsTotal             *prometheus.CounterVec
	syncRunsTotal              *prometheus.CounterVec
	syncRunDurationSeconds     prometheus.Histogram
	breakerTripsTotal          prometheus.Counter
	pageLoadsTotal             *prometheus.CounterVec
	attachmentDownloadsTotal   *prometheus.CounterVec
	attachmentBytesTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		syncItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "news_sync_items_total",
				Help: "Candidates processed by sync runs, labeled by outcome.",
			},
			[]string{"status"},
		)

		syncRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "news_sync_runs_total",
				Help: "Sync runs, labeled by how they ended.",
			},
			[]string{"outcome"},
		)

		syncRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "news_sync_run_duration_seconds",
				Help:    "Wall time of sync runs.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		)

		breakerTripsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "news_sync_breaker_trips_total",
				Help: "Sync runs halted by the consecutive-failure breaker.",
			},
		)

		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "news_page_loads_total",
				Help: "Listing and detail page loads, labeled by site, kind and status.",
			},
			[]string{"site", "kind", "status"},
		)

		attachmentDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "news_attachment_downloads_total",
				Help: "Attachment download attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		attachmentBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "news_attachment_bytes_total",
				Help: "Bytes of attachments mirrored to the blob store.",
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
	Init()
	return promhttp.Handler()
}

// ObserveSyncItem counts one processed candidate.
func ObserveSyncItem(status string) {
	Init()
	syncItemsTotal.WithLabelValues(status).Inc()
}

// ObserveSyncRun records the end of a sync run.
func ObserveSyncRun(outcome string, duration time.Duration) {
	Init()
	syncRunsTotal.WithLabelValues(outcome).Inc()
	syncRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveBreakerTrip counts a run halted by the breaker.
func ObserveBreakerTrip() {
	Init()
	breakerTripsTotal.Inc()
}

// ObservePageLoad counts a listing or detail page load.
func ObservePageLoad(site, kind, status string) {
	Init()
	pageLoadsTotal.WithLabelValues(SanitizeSite(site), kind, status).Inc()
}

// ObserveDownload counts an attachment download and the bytes it stored.
func ObserveDownload(outcome string, bytes int64) {
	Init()
	attachmentDownloadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		attachmentBytesTotal.Add(float64(bytes))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
