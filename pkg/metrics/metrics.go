package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide Prometheus metrics.
var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_runs_total",
			Help: "Total number of workflow runs by terminal state",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_id"},
	)

	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"node_type"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_retries_total",
			Help: "Total number of node retry attempts",
		},
		[]string{"node_type"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_circuit_breaker_state",
			Help: "Circuit breaker state per key (0=closed, 1=half-open, 2=open)",
		},
		[]string{"key"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
		[]string{"state"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_jobs_total",
			Help: "Total number of jobs by terminal state",
		},
		[]string{"state"},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_workers_active",
			Help: "Number of workers currently executing a job",
		},
	)

	SandboxEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_sandbox_evaluations_total",
			Help: "Total number of sandbox expression evaluations",
		},
		[]string{"status"},
	)
)
