package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/producer"
	"github.com/nimburion/taskqueue/pkg/task"
)

func newProduceCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "produce [task ...]",
		Short: "Publish tasks to the work queue",
		Long: "Publish tasks to the work queue in order. Tasks come from the arguments or,\n" +
			"with --file, from the first column of each CSV record.",
		Example: "  taskqueue produce \"First message.\" \"Second message..\"\n  taskqueue produce --file tasks.csv",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case file == "" && len(args) == 0:
				return usageError("no tasks given: pass tasks as arguments or use --file")
			case file != "" && len(args) > 0:
				return usageError("--file cannot be combined with task arguments")
			}

			cfg, _, log, err := a.load(cmd)
			if err != nil {
				return err
			}
			defer syncLogger(log)

			var source task.Source
			if file != "" {
				csvSource, err := task.OpenCSVFile(file)
				if err != nil {
					return usageError(err.Error())
				}
				defer csvSource.Close()
				source = csvSource
			} else {
				source = task.NewSliceSource(args...)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopTracing, err := a.startTracing(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer stopTracing()

			conn, err := broker.Connect(ctx, cfg.BrokerConfig(), log, a.opts.BrokerOptions...)
			if err != nil {
				return err
			}
			defer func() {
				if err := conn.Close(); err != nil {
					log.Warn("failed to close broker connection", "error", err)
				}
			}()

			ch, err := conn.OpenChannel()
			if err != nil {
				return err
			}
			p, err := producer.New(ctx, ch, log, cfg.ProducerConfig())
			if err != nil {
				return err
			}

			published, err := p.PublishAll(ctx, source)
			fmt.Fprintf(cmd.OutOrStdout(), "published %d task(s) to %s\n", published, cfg.Queue.Name)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file with one task per record")
	return cmd
}
