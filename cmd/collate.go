package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
)

// newCollateCmd creates the 'collate' subcommand, which rebuilds a source's
// consolidated output from its shard files without crawling.
func newCollateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collate [source]",
		Short: "Merges a crawl's shard files into <data_dir>/<source>.json",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCollateCommand,
	}
}

func runCollateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	// Any existing crawl directory can be collated, including custom sources
	// that are no longer configured.
	var name string
	if len(args) == 1 {
		name = args[0]
	} else {
		spec, err := cfg.SourceSpec("")
		if err != nil {
			return err
		}
		name = spec.Name
	}

	crawlDir := cfg.CrawlDir(name)
	if _, err := os.Stat(crawlDir); err != nil {
		return fmt.Errorf("crawl directory for %s: %w", name, err)
	}
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
	collator, err := services.Collator(state, logger)
	if err != nil {
		return err
	}
	result, err := collator.Collate(ctx)
	if err != nil {
		return fmt.Errorf("collate %s: %w", name, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Collated %d items from %d shards into %s\n", result.Items, result.Shards, result.URI)
	logger.Info("Collate command finished.", zap.String("source", name), zap.String("output", result.URI))
	return nil
}
