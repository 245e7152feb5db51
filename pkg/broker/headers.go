package broker

import (
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Task header constants
const (
	// HeaderAttempt is the 1-based processing attempt of a task.
	HeaderAttempt = "x-task-attempt"
	// HeaderFailureReason carries the last handler error of a dead-lettered task.
	HeaderFailureReason = "x-task-failure-reason"
	// HeaderFailedAt is the RFC3339 time a task was dead-lettered.
	HeaderFailedAt = "x-task-failed-at"
	// HeaderOriginalQueue is the queue a dead-lettered task was consumed from.
	HeaderOriginalQueue = "x-task-original-queue"
)

// AttemptFromHeaders reads HeaderAttempt, defaulting to 1 when it is missing or malformed.
// Tables may carry any AMQP numeric type, or float64 after a JSON round trip.
func AttemptFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 1
	}
	var attempt int
	switch v := headers[HeaderAttempt].(type) {
	case int:
		attempt = v
	case int8:
		attempt = int(v)
	case int16:
		attempt = int(v)
	case int32:
		attempt = int(v)
	case int64:
		attempt = int(v)
	case uint8:
		attempt = int(v)
	case uint16:
		attempt = int(v)
	case uint32:
		attempt = int(v)
	case float64:
		attempt = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 1
		}
		attempt = parsed
	default:
		return 1
	}
	if attempt < 1 {
		return 1
	}
	return attempt
}

// CloneHeaders copies a header table so a republish never aliases the delivery's table.
func CloneHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
