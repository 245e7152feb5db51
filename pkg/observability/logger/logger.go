package logger

import (
	"context"
)

// Logger is the structured logger used by connections, producers and workers.
// Log methods take a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds args to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the trace id found in ctx, if any.
	WithContext(ctx context.Context) Logger
}
