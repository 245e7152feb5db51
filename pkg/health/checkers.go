package health

import (
	"context"
	"time"

	"github.com/nimburion/taskqueue/pkg/broker"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker creates a health checker for any component that implements Checkable
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  duration,
		}
	}

	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// ChannelOpener opens broker channels; *broker.Connection satisfies it.
type ChannelOpener interface {
	OpenChannel() (broker.Channel, error)
}

// QueueChecker declares the work queue on a short-lived channel and reports
// its depth and consumer count. A non-empty dead-letter queue degrades the
// result.
type QueueChecker struct {
	opener     ChannelOpener
	spec       broker.QueueSpec
	deadLetter string
}

// NewQueueChecker checks spec. deadLetter may be empty to skip the
// dead-letter queue.
func NewQueueChecker(opener ChannelOpener, spec broker.QueueSpec, deadLetter string) *QueueChecker {
	return &QueueChecker{opener: opener, spec: spec, deadLetter: deadLetter}
}

// Name returns "queue:<name>".
func (c *QueueChecker) Name() string {
	return "queue:" + c.spec.Name
}

// Check implements Checker.
func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Status: StatusHealthy, Message: "OK"}
	finish := func() CheckResult {
		result.Timestamp = time.Now()
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.opener.OpenChannel()
	if err != nil {
		result.Status, result.Message, result.Error = StatusUnhealthy, "", err.Error()
		return finish()
	}
	defer ch.Close()

	q, err := broker.Declare(ctx, ch, c.spec)
	if err != nil {
		result.Status, result.Message, result.Error = StatusUnhealthy, "", err.Error()
		return finish()
	}
	result.Metadata = map[string]interface{}{
		"messages":  q.Messages,
		"consumers": q.Consumers,
	}

	if c.deadLetter == "" {
		return finish()
	}
	dlq, err := broker.Declare(ctx, ch, broker.QueueSpec{Name: c.deadLetter, Durable: true})
	if err != nil {
		result.Status, result.Message, result.Error = StatusUnhealthy, "", err.Error()
		return finish()
	}
	result.Metadata["dead_lettered"] = dlq.Messages
	if dlq.Messages > 0 {
		result.Status = StatusDegraded
		result.Message = "dead-letter queue is not empty"
	}
	return finish()
}
