// Package resilience bounds task handlers in time.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an operation exceeds its timeout
var ErrTimeout = errors.New("operation timed out")

// WithTimeout runs fn with a deadline of timeout. A non-positive timeout runs fn
// unbounded. fn always runs to completion on the calling goroutine; once the
// deadline passes its context is cancelled and WithTimeout reports ErrTimeout
// after fn returns.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
