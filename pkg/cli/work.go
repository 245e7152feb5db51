package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskqueue/pkg/config"
	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/observability/metrics"
	"github.com/nimburion/taskqueue/pkg/worker"
)

const metricsReadHeaderTimeout = 5 * time.Second

func newWorkCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume and process tasks until interrupted",
		Long: "Consume tasks from the work queue. Each '.' in a task costs one work unit of\n" +
			"simulated processing. SIGINT or SIGTERM stops intake and lets in-flight tasks\n" +
			"finish within the shutdown grace.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := a.load(cmd)
			if err != nil {
				return err
			}
			defer syncLogger(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopTracing, err := a.startTracing(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer stopTracing()

			if cfg.Metrics.Enabled {
				_, stopMetrics, err := serveMetrics(cfg.Metrics, log)
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			workload := cfg.DotWorkload()
			w, err := worker.New(cfg.BrokerConfig(), cfg.WorkerConfig(), workload.Handle, log, a.opts.BrokerOptions...)
			if err != nil {
				return err
			}
			log.Info("waiting for tasks, press CTRL+C to exit", "queue", cfg.Queue.Name, "prefetch", w.Config().Prefetch)
			return w.Run(ctx)
		},
	}
}

// serveMetrics exposes the task collectors on the returned address until stop is called.
func serveMetrics(cfg config.MetricsConfig, log logger.Logger) (net.Addr, func(), error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, configError(fmt.Errorf("listen for metrics on %s: %w", cfg.Addr, err))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.NewRegistry().Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", listener.Addr().String(), "path", cfg.Path)

	return listener.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdown)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("failed to stop metrics server", "error", err)
		}
	}, nil
}
