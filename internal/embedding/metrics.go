// Prometheus instrumentation for the embedding worker. Counter names follow
// the backend's existing http_* metric conventions.
package embedding

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embed_jobs_enqueued_total",
		Help: "Total number of embedding jobs accepted onto the queue.",
	})
	jobsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embed_jobs_dropped_total",
		Help: "Total number of embedding jobs dropped because the queue was full.",
	})
	jobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embed_jobs_retried_total",
		Help: "Total number of embedding job retry attempts.",
	})
	jobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embed_jobs_failed_total",
		Help: "Total number of embedding jobs abandoned after exhausting retries.",
	})
	jobsReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embed_jobs_reconciled_total",
		Help: "Total number of jobs re-enqueued by the reconciliation sweep.",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embed_queue_depth",
		Help: "Current number of embedding jobs waiting in the queue.",
	})
)

func init() {
	prometheus.MustRegister(jobsEnqueued, jobsDropped, jobsRetried, jobsFailed, jobsReconciled, queueDepth)
}
