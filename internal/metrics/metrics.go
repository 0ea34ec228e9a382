// Package metrics exposes Prometheus collectors for the crawler core.
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
	activationsTotal           *prometheus.CounterVec
	activationDurationSeconds  *prometheus.HistogramVec
	protocolViolationsTotal    *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         prometheus.Counter
	droppedDetailsTotal        *prometheus.CounterVec
	priceAlertsTotal           *prometheus.CounterVec
	throttleWaitSeconds        prometheus.Histogram
	queueTasks                 *prometheus.GaugeVec
	persistFailuresTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		activationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transparent_activations_total",
				Help: "Module activations, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		activationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transparent_activation_duration_seconds",
				Help:    "Wall time of module activations, labeled by mode.",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"mode"},
		)

		protocolViolationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transparent_protocol_violations_total",
				Help: "Protocol violations reported by the module runner, labeled by reason.",
			},
			[]string{"reason"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transparent_downloads_total",
				Help: "Proxied downloads, labeled by method and status.",
			},
			[]string{"method", "status"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transparent_download_bytes_total",
				Help: "Payload bytes forwarded to modules.",
			},
		)

		droppedDetailsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transparent_detail_responses_dropped_total",
				Help: "Detail responses dropped because brand or model was missing, labeled by module.",
			},
			[]string{"module"},
		)

		priceAlertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transparent_price_alerts_total",
				Help: "Price drops observed, labeled by whether an alert was sent.",
			},
			[]string{"result"},
		)

		throttleWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transparent_throttle_wait_seconds",
				Help:    "Histogram of per-activation request throttle waits.",
				Buckets: []float64{0.01, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		queueTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transparent_scheduler_tasks",
				Help: "Tasks held by the scheduler, labeled by queue.",
			},
			[]string{"queue"},
		)

		persistFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transparent_queue_persist_failures_total",
				Help: "Failed attempts to persist the task queues.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveActivation records the outcome and duration of one module activation.
func ObserveActivation(mode, outcome string, duration time.Duration) {
	Init()
	activationsTotal.WithLabelValues(mode, outcome).Inc()
	activationDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveViolation counts a protocol violation.
func ObserveViolation(reason string) {
	Init()
	protocolViolationsTotal.WithLabelValues(reason).Inc()
}

// ObserveDownload counts a proxied download and its forwarded bytes.
func ObserveDownload(method, status string, bytes int64) {
	Init()
	downloadsTotal.WithLabelValues(method, status).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// ObserveDroppedDetail counts a detail response without brand or model.
func ObserveDroppedDetail(module string) {
	Init()
	droppedDetailsTotal.WithLabelValues(module).Inc()
}

// ObservePriceDrop records whether a price drop resulted in an alert.
func ObservePriceDrop(alerted bool) {
	Init()
	result := "suppressed"
	if alerted {
		result = "alerted"
	}
	priceAlertsTotal.WithLabelValues(result).Inc()
}

// ObserveThrottleWait records time spent waiting for the request throttle.
func ObserveThrottleWait(d time.Duration) {
	Init()
	throttleWaitSeconds.Observe(d.Seconds())
}

// SetQueueSizes publishes the current queued and running counts.
func SetQueueSizes(queued, running int) {
	Init()
	queueTasks.WithLabelValues("queued").Set(float64(queued))
	queueTasks.WithLabelValues("running").Set(float64(running))
}

// IncPersistFailures counts a failed queue persist.
func IncPersistFailures() {
	Init()
	persistFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
