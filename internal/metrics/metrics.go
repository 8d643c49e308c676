// Package metrics provides Prometheus metrics for monitoring the task
// pipeline service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_created_total",
			Help: "Total number of tasks accepted",
		},
	)
	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)
	TasksFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
	)
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpilot_pipeline_duration_seconds",
			Help:    "End-to-end pipeline execution duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_webhook_deliveries_total",
			Help: "Total number of webhook delivery outcomes",
		},
		[]string{"outcome"},
	)
	TasksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpilot_tasks_pending",
			Help: "Current number of tasks waiting for a worker",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpilot_workers_active",
			Help: "Number of workers currently executing a pipeline",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpilot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskCreated() {
	TasksCreated.Inc()
}

func RecordTaskCompleted(duration time.Duration) {
	TasksCompleted.Inc()
	PipelineDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

func RecordTaskFailed(duration time.Duration) {
	TasksFailed.Inc()
	PipelineDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

func RecordWebhookDelivery(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	WebhookDeliveries.WithLabelValues(outcome).Inc()
}

func UpdatePendingTasks(count int) {
	TasksPending.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
