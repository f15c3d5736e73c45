// Package cmd defines and implements the CLI commands for the image-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/config"
)

type crawlFlags struct {
	seeds             []string
	feeder            string
	parser            string
	storage           string
	imageDir          string
	feederWorkers     int
	parserWorkers     int
	downloaderWorkers int
	maxNum            int
}

// newCrawlCmd creates the 'crawl' subcommand. Flags override the loaded
// configuration only when set.
func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl [seed...]",
		Short: "Runs one crawl to completion",
		Long: `Runs the feeder, parser and downloader stages over the configured seeds
until every discovered image has been attempted. Positional arguments are
added to the seeds. SIGINT or SIGTERM cancels the crawl.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, flags, args)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&flags.seeds, "seed", nil, "seed URL or page template (repeatable)")
	f.StringVar(&flags.feeder, "feeder", "", "discovery strategy: direct, pagination or links")
	f.StringVar(&flags.parser, "parser", "", "extraction strategy: html, headless or auto")
	f.StringVar(&flags.storage, "storage", "", "storage backend: local, memory or gcs")
	f.StringVar(&flags.imageDir, "image-dir", "", "directory for the local storage backend")
	f.IntVar(&flags.feederWorkers, "feeder-workers", 0, "feeder worker count")
	f.IntVar(&flags.parserWorkers, "parser-workers", 0, "parser worker count")
	f.IntVar(&flags.downloaderWorkers, "downloader-workers", 0, "downloader worker count")
	f.IntVar(&flags.maxNum, "max-num", 0, "stop storing after this many files (0 means unlimited)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, flags *crawlFlags, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := applyCrawlFlags(cmd, rt.cfg, flags, args)
	if err := cfg.Validate(); err != nil {
		return err
	}
	plan := cfg.Plan()
	if _, ok := plan.FeederOptions["seeds"]; !ok {
		return errors.New("no seeds: pass --seed, positional URLs or feeder.seeds")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appInstance, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := appInstance.Close(ctx); cerr != nil {
			rt.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	if err := appInstance.RunPlan(ctx, plan); err != nil {
		if errors.Is(err, context.Canceled) {
			rt.logger.Warn("crawl interrupted")
			return nil
		}
		return fmt.Errorf("run crawler: %w", err)
	}
	rt.logger.Info("crawl command finished")
	return nil
}

func applyCrawlFlags(cmd *cobra.Command, cfg config.Config, flags *crawlFlags, args []string) config.Config {
	changed := cmd.Flags().Changed
	seeds := append([]string(nil), cfg.Feeder.Seeds...)
	if changed("seed") {
		seeds = append([]string(nil), flags.seeds...)
	}
	cfg.Feeder.Seeds = append(seeds, args...)

	if changed("feeder") {
		cfg.Feeder.Strategy = flags.feeder
	}
	if changed("parser") {
		cfg.Parser.Strategy = flags.parser
	}
	if changed("storage") {
		cfg.Storage.Backend = flags.storage
	}
	if changed("image-dir") {
		cfg.Crawler.ImageDir = flags.imageDir
		cfg.Storage.BaseDir = ""
	}
	if changed("feeder-workers") {
		cfg.Crawler.FeederWorkers = flags.feederWorkers
	}
	if changed("parser-workers") {
		cfg.Crawler.ParserWorkers = flags.parserWorkers
	}
	if changed("downloader-workers") {
		cfg.Crawler.DownloaderWorkers = flags.downloaderWorkers
	}
	if changed("max-num") {
		opts := maps.Clone(cfg.Downloader.Options)
		if opts == nil {
			opts = make(map[string]any, 1)
		}
		opts["max_num"] = flags.maxNum
		cfg.Downloader.Options = opts
	}
	return cfg
}
