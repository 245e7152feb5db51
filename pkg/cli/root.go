// Package cli builds the taskqueue command line: produce, work, healthcheck,
// console, version and config inspection.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/config"
	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/observability/tracing"
	"github.com/nimburion/taskqueue/pkg/version"
)

const (
	defaultName       = "taskqueue"
	telemetryShutdown = 5 * time.Second
)

// Options customizes the root command. Zero values select production defaults.
type Options struct {
	Name      string
	EnvPrefix string
	// BrokerOptions are passed to every broker connection, e.g. an alternative dialer.
	BrokerOptions []broker.Option
	// LogOutput receives log lines. Defaults to the command's stderr.
	LogOutput io.Writer
}

type app struct {
	opts       Options
	configFile string
	secretFile string
}

// NewRootCommand creates the taskqueue command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = defaultName
	}
	if strings.TrimSpace(opts.EnvPrefix) == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	a := &app{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         "Durable work queue producer and worker",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long: `Durable work queue producer and worker.

Exit codes:
  0  success, or stopped by an interrupt
  1  runtime failure (lost channel or connection, handler infrastructure error)
  2  could not connect to the broker
  3  invalid configuration, usage or queue declaration`,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err.Error())
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config-file", "c", "", "config file path")
	flags.StringVar(&a.secretFile, "secret-file", "", "path to secrets file (overrides "+opts.EnvPrefix+"_SECRETS_FILE)")
	if err := config.RegisterFlags(flags, &config.Config{}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register config flags: %v\n", err)
		os.Exit(ExitFailure)
	}

	rootCmd.AddCommand(
		newProduceCommand(a),
		newWorkCommand(a),
		newHealthcheckCommand(a),
		newConsoleCommand(a),
		newVersionCommand(a),
		newConfigCommand(a),
	)
	return rootCmd
}

// load reads the configuration for cmd and builds the logger it selects.
func (a *app) load(cmd *cobra.Command) (*config.Config, *config.Provider, logger.Logger, error) {
	provider := config.NewProvider(a.configFile, a.opts.EnvPrefix).WithFlags(cmd.Flags())
	if a.secretFile != "" {
		provider.WithSecretsFile(a.secretFile)
	}

	cfg := &config.Config{}
	if err := provider.Load(cfg); err != nil {
		return nil, nil, nil, configError(err)
	}

	logCfg := cfg.LoggerConfig()
	logCfg.Output = a.opts.LogOutput
	if logCfg.Output == nil {
		logCfg.Output = cmd.ErrOrStderr()
	}
	log, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, nil, nil, configError(fmt.Errorf("create logger: %w", err))
	}
	if logCfg.Level == logger.DebugLevel {
		log.Debug("effective configuration", "config_file", provider.ConfigFile(), "settings", config.Redact(provider.AllSettings(), provider.Secrets()))
	}
	return cfg, provider, log, nil
}

// startTracing installs the tracer provider selected by cfg and returns its shutdown.
func (a *app) startTracing(ctx context.Context, cfg *config.Config, log logger.Logger) (func(), error) {
	tp, err := tracing.NewTracerProvider(ctx, cfg.TracerConfig(a.opts.Name, version.Current(a.opts.Name).Version))
	if err != nil {
		return nil, configError(fmt.Errorf("create tracer provider: %w", err))
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdown)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	}, nil
}

func syncLogger(log logger.Logger) {
	if s, ok := log.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}
