package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/health"
)

const defaultHealthTimeout = 10 * time.Second

func newHealthcheckCommand(a *app) *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check broker connectivity and the work queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := a.load(cmd)
			if err != nil {
				return err
			}
			defer syncLogger(log)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn, err := broker.Connect(ctx, cfg.BrokerConfig(), log, a.opts.BrokerOptions...)
			if err != nil {
				return err
			}
			defer conn.Close()

			spec := broker.QueueSpec{Name: cfg.Queue.Name, Durable: cfg.Queue.Durable}
			deadLetter := ""
			if wc := cfg.WorkerConfig(); wc.Failure.UsesDeadLetter() {
				deadLetter = broker.DeadLetterName(wc.Queue, wc.Failure.DeadLetterSuffix)
			}

			registry := health.NewRegistry()
			registry.Register(health.NewAdapterChecker("broker", conn, timeout))
			registry.Register(health.NewQueueChecker(conn, spec, deadLetter))
			result := registry.Check(ctx)

			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "status: %s (%s)\n", result.Status, conn.Target())
				for _, check := range result.Checks {
					detail := check.Message
					if check.Error != "" {
						detail = check.Error
					}
					fmt.Fprintf(out, "  %-24s %-10s %s\n", check.Name, check.Status, detail)
				}
			}

			if !result.IsHealthy() {
				return fmt.Errorf("%w: %s", ErrUnhealthy, result.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultHealthTimeout, "overall health check timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
