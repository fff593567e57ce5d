// Package metrics exposes Prometheus instrumentation for the store,
// controller, and API, in the teacher's pkg/metrics shape: package-level
// collectors registered once at init, a Timer helper for histogram
// observations, and a Handler for mounting /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ci_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ci_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ci_job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs, start_time to end_time",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ci_reconciliation_duration_seconds",
			Help:    "Duration of one controller reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ci_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes executed",
		},
	)

	ReconciliationJobErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_reconciliation_job_errors_total",
			Help: "Per-job reconciliation errors, by action",
		},
		[]string{"action"},
	)

	OrphanContainersRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ci_orphan_containers_removed_total",
			Help: "Total number of orphan containers removed by the controller",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_api_requests_total",
			Help: "Total API requests by route and status class (2xx, 3xx, 4xx, 5xx)",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ci_api_request_duration_seconds",
			Help:    "API request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	StreamSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ci_stream_subscribers_total",
			Help: "Total number of currently connected log-stream subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsSubmittedTotal,
		JobDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationJobErrorsTotal,
		OrphanContainersRemovedTotal,
		APIRequestsTotal,
		APIRequestDuration,
		StreamSubscribersTotal,
	)
}

// Handler returns the Prometheus HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation from creation to ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
