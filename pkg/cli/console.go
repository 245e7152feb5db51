package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newConsoleCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Print the broker management console URL for the work queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, _, err := a.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Console.URL == "" {
				return usageError("console url is not configured")
			}
			vhost := cfg.Broker.VHost
			if uri, err := cfg.BrokerConfig().URI(); err == nil {
				vhost = uri.Vhost
			}
			fmt.Fprintln(cmd.OutOrStdout(), consoleQueueURL(cfg.Console.URL, vhost, cfg.Queue.Name))
			return nil
		},
	}
}

// consoleQueueURL links the management UI page of queue in vhost.
func consoleQueueURL(base, vhost, queue string) string {
	if vhost == "" {
		vhost = "/"
	}
	return strings.TrimRight(base, "/") + "/#/queues/" + url.PathEscape(vhost) + "/" + url.PathEscape(queue)
}
