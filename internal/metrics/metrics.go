// Package metrics declares the Prometheus collectors exported by the API
// server and the workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksEnqueuedTotal counts tasks accepted onto each queue.
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipes_tasks_enqueued_total",
			Help: "Total number of tasks enqueued.",
		},
		[]string{"queue"},
	)

	// TasksProcessedTotal counts settled tasks by outcome
	// (succeeded, failed, duplicate, deferred, malformed, interrupted).
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipes_tasks_processed_total",
			Help: "Total number of tasks processed, by outcome.",
		},
		[]string{"queue", "outcome"},
	)

	// TaskDurationSeconds is a histogram of time spent running a pipeline.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recipes_task_duration_seconds",
			Help:    "Duration of task processing in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"queue"},
	)

	// TasksRedeliveredTotal counts visibility-timeout redeliveries.
	TasksRedeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipes_tasks_redelivered_total",
			Help: "Total number of tasks returned to the queue after their visibility timeout.",
		},
		[]string{"queue"},
	)

	// TasksDeadLetteredTotal counts tasks moved to the dead-letter list.
	TasksDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipes_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter list.",
		},
		[]string{"queue"},
	)

	// QueueDepth tracks pending plus in-flight tasks per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recipes_queue_depth",
			Help: "Pending plus in-flight tasks per queue.",
		},
		[]string{"queue"},
	)

	// GatewayClients is the number of connected progress gateway clients.
	GatewayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recipes_gateway_clients",
			Help: "Number of connected progress gateway clients.",
		},
	)

	// GatewayDroppedClientsTotal counts clients disconnected for falling behind.
	GatewayDroppedClientsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recipes_gateway_dropped_clients_total",
			Help: "Total number of gateway clients dropped because their send buffer was full.",
		},
	)

	// AIRequestDurationSeconds is a histogram of structured-completion call latency.
	AIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recipes_ai_request_duration_seconds",
			Help:    "Duration of AI completion requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
