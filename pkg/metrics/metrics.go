package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cam_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_scheduler_ticks_total",
			Help: "Total number of scheduler ticks executed",
		},
	)

	TicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_scheduler_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_tasks_claimed_total",
			Help: "Total number of queued tasks claimed for execution",
		},
	)

	TasksPromoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_tasks_promoted_total",
			Help: "Total number of waiting tasks promoted to queued",
		},
	)

	TasksBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_tasks_dependency_blocked_total",
			Help: "Total number of tasks cancelled because a dependency failed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_tasks_failed_total",
			Help: "Total number of tasks the scheduler marked failed",
		},
	)

	// Worker metrics
	WorkersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_workers_reaped_total",
			Help: "Total number of stale workers marked offline",
		},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cam_workers_total",
			Help: "Current number of workers by status",
		},
		[]string{"status"},
	)

	// Startup recovery metrics
	RecoveryScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_recovery_tasks_scanned_total",
			Help: "Running tasks examined by startup recovery",
		},
	)

	RecoveryRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_recovery_tasks_requeued_total",
			Help: "Orphaned tasks startup recovery returned to the queue",
		},
	)

	RecoveryFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_recovery_tasks_failed_total",
			Help: "Orphaned tasks startup recovery marked failed",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TicksSkipped)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksPromoted)
	prometheus.MustRegister(TasksBlocked)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(WorkersReaped)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(RecoveryScanned)
	prometheus.MustRegister(RecoveryRequeued)
	prometheus.MustRegister(RecoveryFailed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
