package worker

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/taskqueue/pkg/broker"
)

const (
	defaultPrefetch      = 1
	defaultShutdownGrace = 30 * time.Second
)

// FailureMode selects what happens to a delivery whose handler failed.
type FailureMode string

const (
	// FailureRequeue republishes the task at the tail of its queue.
	FailureRequeue FailureMode = "requeue"
	// FailureDeadLetter moves the task to the dead-letter queue.
	FailureDeadLetter FailureMode = "dead_letter"
	// FailureHold leaves the delivery unacknowledged until the worker disconnects.
	FailureHold FailureMode = "hold"
)

// ParseFailureMode converts a string to a FailureMode. Empty means requeue.
func ParseFailureMode(value string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", FailureRequeue:
		return FailureRequeue, nil
	case FailureDeadLetter, "dlq":
		return FailureDeadLetter, nil
	case FailureHold:
		return FailureHold, nil
	default:
		return "", workerError(ErrValidation, fmt.Sprintf("unknown failure mode %q", value))
	}
}

// FailurePolicy decides the fate of failed deliveries.
type FailurePolicy struct {
	Mode FailureMode
	// MaxAttempts dead-letters a requeued task once it has been attempted this
	// many times. Zero requeues forever.
	MaxAttempts      int
	DeadLetterSuffix string
}

// UsesDeadLetter reports whether failed tasks may be routed to the dead-letter queue.
func (p FailurePolicy) UsesDeadLetter() bool {
	return p.Mode == FailureDeadLetter || (p.Mode == FailureRequeue && p.MaxAttempts > 0)
}

func (p FailurePolicy) republishes() bool {
	return p.Mode == FailureDeadLetter || p.Mode == FailureRequeue
}

// Config controls consumption from one queue.
type Config struct {
	Queue   string
	Durable bool
	// Prefetch bounds how many unacknowledged deliveries the worker holds.
	Prefetch    int
	ConsumerTag string
	Failure     FailurePolicy
	// ShutdownGrace is how long in-flight handlers may run after cancellation.
	ShutdownGrace time.Duration
	// HandlerTimeout bounds a single handler call; zero means unbounded.
	HandlerTimeout time.Duration
}

// DefaultConfig returns a config consuming a durable queue one task at a time.
func DefaultConfig(queue string) Config {
	return Config{
		Queue:         queue,
		Durable:       true,
		Prefetch:      defaultPrefetch,
		Failure:       FailurePolicy{Mode: FailureRequeue},
		ShutdownGrace: defaultShutdownGrace,
	}
}

func (c *Config) normalize() error {
	c.Queue = strings.TrimSpace(c.Queue)
	if c.Queue == "" {
		return workerError(ErrValidation, "queue name is required")
	}
	if c.Prefetch == 0 {
		c.Prefetch = defaultPrefetch
	}
	if c.Prefetch < 1 || c.Prefetch > math.MaxUint16 {
		return workerError(ErrValidation, fmt.Sprintf("prefetch must be between 1 and %d, got %d", math.MaxUint16, c.Prefetch))
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.HandlerTimeout < 0 {
		return workerError(ErrValidation, "handler timeout must be >= 0")
	}
	mode, err := ParseFailureMode(string(c.Failure.Mode))
	if err != nil {
		return err
	}
	c.Failure.Mode = mode
	if c.Failure.MaxAttempts < 0 {
		return workerError(ErrValidation, "max attempts must be >= 0")
	}
	if strings.TrimSpace(c.Failure.DeadLetterSuffix) == "" {
		c.Failure.DeadLetterSuffix = broker.DefaultDeadLetterSuffix
	}
	if strings.TrimSpace(c.ConsumerTag) == "" {
		c.ConsumerTag = fmt.Sprintf("%s-%s", c.Queue, uuid.NewString()[:8])
	}
	return nil
}
