// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for ExecutionsTotal.
const (
	OutcomeSuccess          = "success"
	OutcomeTimeout          = "timeout"
	OutcomeNonZeroExit      = "non_zero_exit"
	OutcomeLaunchError      = "launch_error"
	OutcomeOutputUnreadable = "output_unreadable"
	OutcomeWorkspaceError   = "workspace_error"
	OutcomeCancelled        = "cancelled"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_executions_total",
			Help: "Total number of container executions by outcome",
		},
		[]string{"outcome"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_execution_duration_seconds",
			Help:    "Wall-clock duration of one container execution",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
		},
	)

	KillFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_kill_failures_total",
			Help: "Timed-out container processes that could not be killed",
		},
	)

	BatchSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_batch_submissions_total",
			Help: "Batch submissions processed, by result",
		},
		[]string{"result"}, // "ok", "error", "skipped"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_job_queue_depth",
			Help: "Current number of queued caller requests",
		},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_active_jobs",
			Help: "Number of caller requests currently running",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
