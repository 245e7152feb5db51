package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid worker configuration.
	ErrValidation = errors.New("worker validation error")
	// ErrHandlerFailure classifies a handler that returned an error or panicked.
	ErrHandlerFailure = errors.New("task handler failed")
	// ErrAlreadyRunning is returned when Run is called on a worker that has already run.
	ErrAlreadyRunning = errors.New("worker already running")
)

func workerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
