// Package task defines the unit of work carried by the queue, the ordered
// sources producers drain, and the dot workload used to simulate processing.
package task

import (
	"context"
)

// Task is an opaque payload. The queue assigns it no identity the application sees.
type Task struct {
	body []byte
}

// New copies body into an immutable Task.
func New(body []byte) Task {
	return Task{body: append([]byte(nil), body...)}
}

// FromString returns a Task carrying s.
func FromString(s string) Task {
	return Task{body: []byte(s)}
}

// Bytes returns a copy of the payload.
func (t Task) Bytes() []byte {
	return append([]byte(nil), t.body...)
}

// Len returns the payload size in bytes.
func (t Task) Len() int {
	return len(t.body)
}

func (t Task) String() string {
	return string(t.body)
}

// Handler processes one task. A nil error acknowledges the delivery.
type Handler func(ctx context.Context, t Task) error
