package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X".
var version = "dev"

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// newApp is the service factory. It's a variable so tests can swap in a
// factory with an isolated metrics registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A resumable harvester for batch JSON catalog APIs.",
		Long: `harvester walks a remote catalog API one batch at a time, checkpointing
its progress so an interrupted crawl resumes exactly where it stopped. Finished
crawls are collated into one JSON file per source, which later sources can use
as their seed.`,
		SilenceUsage: true,

		// Load configuration once so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and HARVEST_* environment variables apply)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newCollateCmd())
	cmd.AddCommand(newSourcesCmd())

	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, which lets a running crawl checkpoint before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	logger, lerr := logging.New(false)
	if lerr != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Fatal("Command execution failed", zap.Error(err))
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// startTracing installs the tracer provider for one command. The returned
// func flushes pending spans.
func startTracing(ctx context.Context, cfg config.Config, logger *zap.Logger) func() {
	shutdown, err := telemetry.InitTracerProvider(ctx, cfg.TracingConfig(version))
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		return func() {}
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}

// commandLogger builds the command's logger, teeing into the crawl
// directory's log file when logging.file is set.
func commandLogger(cfg config.Config, crawlDir string) (*zap.Logger, func(), error) {
	if cfg.Logging.File {
		return logging.NewWithFile(cfg.Logging.Development, filepath.Join(crawlDir, checkpoint.LogFile))
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() {}, nil
}
