// Package metrics exports the orchestrator's Prometheus collectors: queue
// depths, task counts by status, and conversion processing time, following
// cuemby-warren's pkg/metrics layout (package-level collectors registered in
// init, plus a Timer helper and an http.Handler for /metrics).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gurre/docflow/internal/queue"
	"github.com/gurre/docflow/internal/taskstore"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docflow_queue_depth",
			Help: "Current buffered length of each queue fabric lane",
		},
		[]string{"lane"},
	)

	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docflow_tasks_by_status",
			Help: "Current task count by status",
		},
		[]string{"status"},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_tasks_processed_total",
			Help: "Total tasks that reached a terminal status, by task_type and status",
		},
		[]string{"task_type", "status"},
	)

	ConversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docflow_conversion_duration_seconds",
			Help:    "Time taken to run a single conversion engine call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	CallbackAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_callback_attempts_total",
			Help: "Total callback delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(TasksProcessedTotal)
	prometheus.MustRegister(ConversionDuration)
	prometheus.MustRegister(CallbackAttemptsTotal)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and records it to a histogram on Observe.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ReportQueueDepths sets the queue_depth gauge from a live Fabric snapshot.
// Called periodically by the scheduler's GC tick (internal/scheduler/gc.go).
func ReportQueueDepths(d queue.Depths) {
	QueueDepth.WithLabelValues("intake").Set(float64(d.Intake))
	QueueDepth.WithLabelValues("high").Set(float64(d.High))
	QueueDepth.WithLabelValues("normal").Set(float64(d.Normal))
	QueueDepth.WithLabelValues("low").Set(float64(d.Low))
	QueueDepth.WithLabelValues("dispatch").Set(float64(d.Dispatch))
	QueueDepth.WithLabelValues("update").Set(float64(d.Update))
	QueueDepth.WithLabelValues("cleanup").Set(float64(d.Cleanup))
	QueueDepth.WithLabelValues("callback").Set(float64(d.Callback))
}

// ReportTaskCounts sets the tasks_by_status gauge from a store snapshot.
func ReportTaskCounts(s taskstore.Statistics) {
	TasksByStatus.WithLabelValues("pending").Set(float64(s.Pending))
	TasksByStatus.WithLabelValues("processing").Set(float64(s.Processing))
	TasksByStatus.WithLabelValues("completed").Set(float64(s.Completed))
	TasksByStatus.WithLabelValues("failed").Set(float64(s.Failed))
	TasksByStatus.WithLabelValues("cancelled").Set(float64(s.Cancelled))
}
