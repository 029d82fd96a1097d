// Package metrics exposes Prometheus collectors for the proxy.
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
	requestsTotal            *prometheus.CounterVec
	fetchedBytesTotal        prometheus.Counter
	transcodeDurationSeconds *prometheus.HistogramVec
	transcodeFailuresTotal   *prometheus.CounterVec
	poolRunningWorkers       prometheus.Gauge
	poolWaitingTasks         prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once; every Observe function calls it.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaproxy_requests_total",
				Help: "Proxy responses, labeled by status class and whether the body was transformed.",
			},
			[]string{"class", "outcome"},
		)

		fetchedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mediaproxy_fetched_bytes_total",
				Help: "Bytes read from upstream servers.",
			},
		)

		transcodeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediaproxy_transcode_duration_seconds",
				Help:    "Time spent decoding, resizing and encoding, labeled by output format.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"format"},
		)

		transcodeFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaproxy_transcode_failures_total",
				Help: "Transcodes that did not produce a body, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolRunningWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediaproxy_pool_running_workers",
				Help: "Workers currently transcoding.",
			},
		)

		poolWaitingTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediaproxy_pool_waiting_tasks",
				Help: "Transcodes queued behind busy workers.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status code as "2xx", "3xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveRequest counts one finished proxy response. outcome is
// "transformed", "passthrough", "fallback" or "error".
func ObserveRequest(code int, outcome string) {
	Init()
	requestsTotal.WithLabelValues(StatusClass(code), outcome).Inc()
}

// AddFetchedBytes adds n upstream bytes.
func AddFetchedBytes(n int64) {
	if n <= 0 {
		return
	}
	Init()
	fetchedBytesTotal.Add(float64(n))
}

// ObserveTranscode records a successful transcode.
func ObserveTranscode(format string, d time.Duration) {
	Init()
	transcodeDurationSeconds.WithLabelValues(format).Observe(d.Seconds())
}

// ObserveTranscodeFailure counts a failed transcode.
func ObserveTranscodeFailure(reason string) {
	Init()
	transcodeFailuresTotal.WithLabelValues(reason).Inc()
}

// SetPool publishes the worker pool occupancy.
func SetPool(running int64, waiting uint64) {
	Init()
	poolRunningWorkers.Set(float64(running))
	poolWaitingTasks.Set(float64(waiting))
}
