// Package metrics exposes jobmesh's Prometheus gauges/counters/histograms,
// adapted from the teacher's pkg/metrics/metrics.go: same Timer helper and
// registration pattern, re-typed from container/raft/ingress metrics to the
// scheduler's own domain (nodes, CPU slots, queue depth, dispatch latency,
// job terminal counts).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_nodes_total",
			Help: "Total number of discovered nodes",
		},
	)

	NodeCPUSlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_node_cpu_slots_total",
			Help: "Sum of total_cpus across all discovered nodes",
		},
	)

	NodeCPUSlotsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_node_cpu_slots_busy",
			Help: "Sum of busy_count across all discovered nodes",
		},
	)

	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmesh_clusters_total",
			Help: "Total number of live computations by zombie state",
		},
		[]string{"zombie"},
	)

	JobsQueuedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_jobs_queued_total",
			Help: "Total number of jobs waiting across every cluster's jobs_queue",
		},
	)

	JobsRunningTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_jobs_running_total",
			Help: "Total number of jobs currently dispatched to a node",
		},
	)

	JobsPendingResultsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_jobs_pending_results_total",
			Help: "Total number of spooled replies awaiting client pickup",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobmesh_dispatch_latency_seconds",
			Help:    "Time taken by one dispatch call that sends a job to a node",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsFinishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_jobs_finished_total",
			Help: "Total number of jobs that reached the Finished terminal state",
		},
	)

	JobsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_jobs_abandoned_total",
			Help: "Total number of jobs abandoned after their node died (non-reentrant cluster)",
		},
	)

	JobsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_jobs_cancelled_total",
			Help: "Total number of jobs terminated via TERMINATE_JOB:",
		},
	)

	JobsRescheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_jobs_rescheduled_total",
			Help: "Total number of jobs rescheduled after their node died (reentrant cluster)",
		},
	)

	DispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_dispatch_failures_total",
			Help: "Total number of run_job dispatch failures by kind",
		},
		[]string{"kind"},
	)

	DeliveryFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_delivery_failures_total",
			Help: "Total number of reply deliveries that fell back to disk spooling",
		},
	)

	NodesDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_nodes_dead_total",
			Help: "Total number of nodes declared dead by the pulse sweep or a TERMINATED notice",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		NodeCPUSlotsTotal,
		NodeCPUSlotsBusy,
		ClustersTotal,
		JobsQueuedTotal,
		JobsRunningTotal,
		JobsPendingResultsTotal,
		DispatchLatency,
		JobsFinishedTotal,
		JobsAbandonedTotal,
		JobsCancelledTotal,
		JobsRescheduledTotal,
		DispatchFailuresTotal,
		DeliveryFailuresTotal,
		NodesDeadTotal,
	)
}

// Handler returns the Prometheus scrape handler, mounted by --httpd.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
