package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/config"
	"github.com/nimburion/taskqueue/pkg/worker"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitConnection = 2
	ExitConfig     = 3
)

var (
	// ErrUsage classifies invalid command-line usage.
	ErrUsage = errors.New("usage error")
	// ErrConfig classifies configuration that could not be loaded.
	ErrConfig = errors.New("configuration error")
	// ErrUnhealthy is returned by healthcheck when a check fails.
	ErrUnhealthy = errors.New("health check failed")
)

func usageError(message string) error {
	return fmt.Errorf("%w: %s", ErrUsage, message)
}

func configError(err error) error {
	if errors.Is(err, ErrConfig) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfig, err)
}

// ExitCode maps a command error to the process exit code. Interruption is
// a clean exit.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, broker.ErrConnection):
		return ExitConnection
	case errors.Is(err, ErrUsage),
		errors.Is(err, ErrConfig),
		errors.Is(err, config.ErrValidation),
		errors.Is(err, worker.ErrValidation),
		errors.Is(err, broker.ErrDeclaration):
		return ExitConfig
	default:
		return ExitFailure
	}
}

// Execute runs cmd, reports a failure on its stderr and returns the exit code.
func Execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	code := ExitCode(err)
	if code != ExitOK {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	return code
}
