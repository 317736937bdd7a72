package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionq_tasks_submitted_total",
			Help: "Total number of tasks submitted to the worker pool",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_tasks_completed_total",
			Help: "Total number of terminal task outcomes by status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "visionq_task_duration_seconds",
			Help:    "Time from task assignment to terminal outcome in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	BatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionq_batches_total",
			Help: "Total number of batches accepted by the dispatcher",
		},
	)

	// Pool metrics
	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "visionq_workers_busy",
			Help: "Number of workers currently executing a task",
		},
	)

	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "visionq_pool_queue_depth",
			Help: "Number of tasks waiting in the coordinator queue",
		},
	)

	// Shard metrics
	ShardItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visionq_shard_items",
			Help: "Number of entries per partition",
		},
		[]string{"partition"},
	)

	// Distributed queue metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by priority",
		},
		[]string{"priority"},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionq_job_retries_total",
			Help: "Total number of job retry attempts",
		},
	)

	JobStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "visionq_job_stalls_total",
			Help: "Total number of lease stalls detected",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visionq_queue_depth",
			Help: "Pending jobs in the distributed queue by priority",
		},
		[]string{"priority"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(ShardItems)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(JobStalls)
	prometheus.MustRegister(QueueDepth)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
