// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/fetcher/httpapi"
	idgen "github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	"github.com/JakeFAU/catalog-harvester/internal/sources"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

const hubCloseTimeout = 15 * time.Second

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [source]",
		Short: "Crawls one data source until it is drained or interrupted",
		Long: `Crawls the named preset, or the source configured under source.preset or
source.custom. State is checkpointed in <data_dir>/<source>; rerunning the
command resumes from the last checkpoint. When the unsearched set drains the
shards are collated into <data_dir>/<source>.json.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	var name string
	if len(args) == 1 {
		name = args[0]
	}
	spec, err := cfg.SourceSpec(name)
	if err != nil {
		return err
	}

	crawlDir := cfg.CrawlDir(spec.Name)
	logger, closeLog, err := commandLogger(cfg, crawlDir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	defer zap.ReplaceGlobals(logger)()
	defer startTracing(ctx, cfg, logger)()

	services, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer services.Close()

	state, err := checkpoint.New(crawlDir, logger)
	if err != nil {
		return fmt.Errorf("open crawl directory: %w", err)
	}
	fetcher, err := httpapi.New(ctx, cfg.FetcherConfig(spec), logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}
	source, err := sources.FromConfig(spec, fetcher, cfg.Crawl.DataDir)
	if err != nil {
		return err
	}
	collator, err := services.Collator(state, logger)
	if err != nil {
		return err
	}

	board := sinks.NewBoardSink()
	hub, err := services.Hub(board, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hubCloseTimeout)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("Failed to close progress hub", zap.Error(cerr))
		}
	}()

	stopServer := startStatusServer(ctx, cfg.Metrics.ListenAddr, cfg.Metrics.APIKey, board, services.ProgressRepository(), logger)
	defer stopServer()

	engine, err := crawler.NewEngine(cfg.CrawlerConfig(), source, state, logger,
		crawler.WithCollator(collator),
		crawler.WithReporter(progress.NewPrinter(cmd.OutOrStdout(), cfg.Crawl.Estimate)),
		crawler.WithEmitter(hub),
		crawler.WithIDGenerator(idgen.New()),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	outcome, err := engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl %s: %w", spec.Name, err)
	}

	fields := []zap.Field{
		zap.String("source", spec.Name),
		zap.String("state", string(outcome.State)),
		zap.Int("saved", outcome.Counts.Saved),
		zap.Int("unsearched", outcome.Counts.Unsearched),
	}
	if outcome.Collated != nil {
		fields = append(fields, zap.String("output", outcome.Collated.URI))
	}
	logger.Info("Crawl command finished.", fields...)
	return nil
}

// startStatusServer serves the progress board and run history when addr is
// set. The returned func stops the server and waits for it.
func startStatusServer(
	ctx context.Context,
	addr, apiKey string,
	board *sinks.BoardSink,
	repo store.ProgressRepository,
	logger *zap.Logger,
) func() {
	if addr == "" {
		return func() {}
	}
	srv := api.NewServer(board, repo, api.Config{ListenAddr: addr, APIKey: apiKey}, logger)
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx); err != nil {
			logger.Error("Status server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
