// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "upschedule"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state",
		},
		[]string{"status", "pdf_type"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from processing start to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"pdf_type"},
	)

	QuotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Uploads refused because they would exceed the owner's quota",
		},
	)

	CleanupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_cleanup_failures_total",
			Help:      "Raw uploads that could not be deleted after processing",
		},
	)

	SweepDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Expired jobs removed by the retention sweeper",
		},
	)

	SweepErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Expired jobs the retention sweeper failed to remove",
		},
	)

	QueueMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue messages by direction and outcome",
		},
		[]string{"direction", "status"},
	)

	CalendarSyncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_sync_events_total",
			Help:      "Events pushed to Google Calendar",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		JobsTotal,
		JobDurationSeconds,
		QuotaRejectionsTotal,
		CleanupFailuresTotal,
		SweepDeletedTotal,
		SweepErrorsTotal,
		QueueMessagesTotal,
		CalendarSyncEventsTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records one served HTTP request.
func RecordRequest(method, route, status string, d time.Duration) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
