package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the coordinator. promauto registers with the
// default registry exposed on the ops server's /metrics endpoint.
var (
	// --- Queue Metrics ---

	// JobsEnqueued counts jobs accepted into the queue by priority.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued by priority",
		},
		[]string{"priority"},
	)

	// QueueDepth tracks the pending backlog.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ratchet",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs waiting for dispatch",
		},
	)

	// JobsReaped counts expired leases returned to the queue.
	JobsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "queue",
			Name:      "leases_reaped_total",
			Help:      "Total number of expired job leases reaped",
		},
	)

	// --- Execution Metrics ---

	// ExecutionsTotal counts finished executions by terminal status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "executions",
			Name:      "total",
			Help:      "Total number of task executions by status",
		},
		[]string{"status"},
	)

	// ExecutionDuration tracks task execution duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ratchet",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of task executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"task_name", "status"},
	)

	// --- Scheduler Metrics ---

	// SchedulerFires counts jobs created from schedules.
	SchedulerFires = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Total number of jobs created from schedules",
		},
	)

	// SchedulerLag measures delay between next_run_at and dispatch.
	SchedulerLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ratchet",
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Delay between scheduled time and job creation",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// --- Worker Pool Metrics ---

	// WorkersReady tracks workers ready to accept tasks.
	WorkersReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ratchet",
			Subsystem: "pool",
			Name:      "workers_ready",
			Help:      "Number of worker processes in ready state",
		},
	)

	// WorkerRestarts counts worker process replacements.
	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "pool",
			Name:      "worker_restarts_total",
			Help:      "Total number of worker process restarts",
		},
	)

	// TasksInFlight tracks concurrent task submissions.
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ratchet",
			Subsystem: "pool",
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently executing on workers",
		},
	)

	// --- Output Pipeline Metrics ---

	// DeliveriesTotal counts output deliveries by destination type and outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "output",
			Name:      "deliveries_total",
			Help:      "Total number of output deliveries by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)

	// DeliveryDuration tracks per-delivery latency.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ratchet",
			Subsystem: "output",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of output deliveries in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"destination"},
	)

	// --- Repository Sync Metrics ---

	// SyncOperations counts applied sync operations by kind.
	SyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Total number of repository sync operations by kind",
		},
		[]string{"operation"},
	)

	// SyncConflicts counts unresolved conflicts.
	SyncConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ratchet",
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Total number of sync conflicts requiring manual resolution",
		},
	)
)

// RecordExecution records metrics for one finished execution.
func RecordExecution(taskName, status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDuration.WithLabelValues(taskName, status).Observe(durationSeconds)
}

// RecordDelivery records one output delivery outcome.
func RecordDelivery(destination string, success bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	DeliveriesTotal.WithLabelValues(destination, outcome).Inc()
	DeliveryDuration.WithLabelValues(destination).Observe(durationSeconds)
}
