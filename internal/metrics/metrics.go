// Package metrics is the gateway's Prometheus facade: one struct
// constructed once per process and threaded into every component by
// constructor injection, replacing the hidden-global collector pattern.
// Registering an HTTP exposition handler for these collectors is the
// caller's responsibility and outside this package's scope.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the core components update. Nil-safe
// zero value is not supported — always construct via New.
type Metrics struct {
	InstancesReceived  prometheus.Counter
	InstancesStored    prometheus.Counter
	InstancesFailed    prometheus.Counter
	BytesReceived      prometheus.Counter
	JobsEnqueued       *prometheus.CounterVec
	JobsCompleted      *prometheus.CounterVec
	JobsFailed         *prometheus.CounterVec
	JobsDeadLettered   *prometheus.CounterVec
	QueueDepthPending  *prometheus.GaugeVec
	QueueDepthRunning  *prometheus.GaugeVec
	ForwardsSent       prometheus.Counter
	ForwardsFailed     prometheus.Counter
	WorkerCount        *prometheus.GaugeVec
}

// New constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstancesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_instances_received_total",
			Help: "Composite objects received by the ingestor.",
		}),
		InstancesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_instances_stored_total",
			Help: "Composite objects persisted to disk.",
		}),
		InstancesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_instances_failed_total",
			Help: "Composite objects that failed to store or enqueue.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bytes_received_total",
			Help: "Bytes received by the ingestor across all instances.",
		}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jobs_enqueued_total",
			Help: "Jobs enqueued by type.",
		}, []string{"job_type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jobs_completed_total",
			Help: "Jobs that reached status=completed, by type.",
		}, []string{"job_type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jobs_failed_total",
			Help: "Job failure transitions (retryable or terminal), by type.",
		}, []string{"job_type"}),
		JobsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jobs_dead_lettered_total",
			Help: "Jobs that exhausted retries, by type.",
		}, []string{"job_type"}),
		QueueDepthPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth_pending",
			Help: "Current pending row count, by queue.",
		}, []string{"queue"}),
		QueueDepthRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth_processing",
			Help: "Current processing row count, by queue.",
		}, []string{"queue"}),
		ForwardsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_forward_instances_sent_total",
			Help: "Instances successfully sent to a destination via C-STORE.",
		}),
		ForwardsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_forward_instances_failed_total",
			Help: "Instances that failed to send to a destination.",
		}),
		WorkerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_worker_count",
			Help: "Running worker count, by role.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.InstancesReceived,
		m.InstancesStored,
		m.InstancesFailed,
		m.BytesReceived,
		m.JobsEnqueued,
		m.JobsCompleted,
		m.JobsFailed,
		m.JobsDeadLettered,
		m.QueueDepthPending,
		m.QueueDepthRunning,
		m.ForwardsSent,
		m.ForwardsFailed,
		m.WorkerCount,
	)
	return m
}
