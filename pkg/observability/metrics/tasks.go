package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Processing outcomes recorded by workers.
const (
	StatusAcked        = "acked"
	StatusRequeued     = "requeued"
	StatusDeadLettered = "dead_lettered"
	StatusHeld         = "held"
	StatusAbandoned    = "abandoned"
	StatusError        = "error"
)

var (
	tasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_published_total",
			Help: "Total number of tasks published by producers",
		},
		[]string{"queue"},
	)

	tasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_processed_total",
			Help: "Total number of deliveries processed by workers, by outcome",
		},
		[]string{"queue", "status"},
	)

	tasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskqueue_tasks_inflight",
			Help: "Current number of unacknowledged deliveries being processed",
		},
		[]string{"queue"},
	)

	tasksRedeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_redelivered_total",
			Help: "Total number of deliveries flagged as redelivered by the broker",
		},
		[]string{"queue"},
	)

	tasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_dead_lettered_total",
			Help: "Total number of tasks routed to a dead-letter queue",
		},
		[]string{"queue"},
	)
)

// RecordPublished counts one task published to queue.
func RecordPublished(queue string) {
	tasksPublishedTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

// RecordProcessed counts one delivery of queue settled with status.
func RecordProcessed(queue, status string) {
	tasksProcessedTotal.WithLabelValues(normalizeLabel(queue), normalizeLabel(status)).Inc()
}

// RecordRedelivered counts one delivery the broker marked as redelivered.
func RecordRedelivered(queue string) {
	tasksRedeliveredTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

// RecordDeadLettered counts one task moved to the dead-letter queue of queue.
func RecordDeadLettered(queue string) {
	tasksDeadLetteredTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

// IncInFlight marks a delivery of queue as in flight.
func IncInFlight(queue string) {
	tasksInFlight.WithLabelValues(normalizeLabel(queue)).Inc()
}

// DecInFlight releases an in-flight delivery of queue.
func DecInFlight(queue string) {
	tasksInFlight.WithLabelValues(normalizeLabel(queue)).Dec()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
