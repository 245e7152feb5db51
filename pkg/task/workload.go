package task

import (
	"bytes"
	"context"
	"time"
)

const (
	// DefaultMarker is the character whose occurrences set the simulated work.
	DefaultMarker = '.'
	// DefaultUnit is the delay per marker occurrence.
	DefaultUnit = time.Second
)

// DotWorkload simulates processing: each Marker in the payload costs one Unit
// of blocking work.
type DotWorkload struct {
	Marker byte
	Unit   time.Duration
}

// Duration returns the simulated processing time for t.
func (w DotWorkload) Duration(t Task) time.Duration {
	marker := w.Marker
	if marker == 0 {
		marker = DefaultMarker
	}
	unit := w.Unit
	if unit <= 0 {
		unit = DefaultUnit
	}
	return time.Duration(bytes.Count(t.body, []byte{marker})) * unit
}

// Handle blocks for Duration(t). It returns ctx.Err() if the work is abandoned.
func (w DotWorkload) Handle(ctx context.Context, t Task) error {
	d := w.Duration(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
