package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks orchestrator attempts per model and outcome
	// (success, invalid, transport_error)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptloop_attempts_total",
			Help: "Total number of orchestrator attempts",
		},
		[]string{"model", "outcome"},
	)

	// ValidationFailuresTotal tracks failing outcomes per strategy
	ValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptloop_validation_failures_total",
			Help: "Total number of failed validation outcomes",
		},
		[]string{"strategy"},
	)

	// EscalationsTotal tracks escalation tiers reached (tool, human)
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptloop_escalations_total",
			Help: "Total number of escalation tiers reached",
		},
		[]string{"tier"},
	)

	// BackoffSeconds tracks the backoff delays applied between attempts
	BackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptloop_backoff_seconds",
			Help:    "Backoff delay applied between attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// TasksTotal tracks tasks reaching each status
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptloop_tasks_total",
			Help: "Total number of task status transitions",
		},
		[]string{"status"},
	)

	// TaskDuration tracks wall time from claim to terminal write
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptloop_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// TasksPruned tracks tasks deleted by retention
	TasksPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptloop_tasks_pruned_total",
			Help: "Total number of terminal tasks deleted by retention",
		},
	)

	// DBConnectionPoolUsage tracks the database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptloop_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
