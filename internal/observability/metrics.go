// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Queue metrics
	TasksClaimed   prometheus.Counter
	TasksSucceeded prometheus.Counter
	TasksFailed    *prometheus.CounterVec
	TasksDead      prometheus.Counter
	TasksReaped    prometheus.Counter
	QueueIdlePolls prometheus.Counter

	// Worker metrics
	PositionsPriced    prometheus.Counter
	PositionErrors     *prometheus.CounterVec
	ResultsWritten     prometheus.Counter
	ResultConflicts    prometheus.Counter
	ResultsMirrored    prometheus.Counter
	TaskDuration       prometheus.Histogram
	PricingLatency     *prometheus.HistogramVec
	HeartbeatsSent     prometheus.Counter
	LeasesLost         prometheus.Counter

	// Orchestrator metrics
	RunsSubmitted  *prometheus.CounterVec
	RunTransitions *prometheus.CounterVec
	TasksFannedOut prometheus.Counter

	// Ingest metrics
	SnapshotsStored *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "valuation_lab"
	}

	return &Metrics{
		// Queue metrics
		TasksClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_claimed_total",
			Help:      "Total number of task leases claimed",
		}),
		TasksSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_succeeded_total",
			Help:      "Total number of tasks finished SUCCEEDED",
		}),
		TasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_failed_total",
			Help:      "Total number of task failures by kind",
		}, []string{"kind", "retriable"}),
		TasksDead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_dead_total",
			Help:      "Total number of tasks dead-lettered",
		}),
		TasksReaped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_reaped_total",
			Help:      "Total number of lapsed leases requeued by the reaper",
		}),
		QueueIdlePolls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "idle_polls_total",
			Help:      "Total number of claim calls that found no work",
		}),

		// Worker metrics
		PositionsPriced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "positions_priced_total",
			Help:      "Total number of positions priced across all scenarios",
		}),
		PositionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "position_errors_total",
			Help:      "Total number of per-position errors by kind",
		}, []string{"kind"}),
		ResultsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "results_written_total",
			Help:      "Total number of valuation results upserted",
		}),
		ResultConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "result_conflicts_total",
			Help:      "Total number of input-hash conflicts on result upsert",
		}),
		ResultsMirrored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "results_mirrored_total",
			Help:      "Total number of results mirrored to the analytics store",
		}),
		TaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		PricingLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pricing_latency_seconds",
			Help:      "Single pricer call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"product_type"}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of lease heartbeats sent",
		}),
		LeasesLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "leases_lost_total",
			Help:      "Total number of leases lost mid-task",
		}),

		// Orchestrator metrics
		RunsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "runs_submitted_total",
			Help:      "Total number of run submissions by outcome",
		}, []string{"outcome"}),
		RunTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "run_transitions_total",
			Help:      "Total number of run status transitions by target status",
		}, []string{"status"}),
		TasksFannedOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tasks_fanned_out_total",
			Help:      "Total number of tasks created at run submission",
		}),

		// Ingest metrics
		SnapshotsStored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "snapshots_stored_total",
			Help:      "Total number of snapshots stored by kind",
		}, []string{"kind"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
