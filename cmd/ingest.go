package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abiroot/ispbot/internal/app"
	"github.com/abiroot/ispbot/internal/config"
	"github.com/abiroot/ispbot/internal/log"
)

var ingestContextID string

var ingestCmd = &cobra.Command{
	Use:   "ingest <url>...",
	Short: "Crawl support articles into the knowledge base",
	Long: `Crawls the given URLs, extracts article content, splits it into
chunks, and indexes the chunks into the knowledge base so the chat engine
can retrieve them.

Crawling stays within the domains of the start URLs. Only one ingest run
may be active on a host at a time.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(args)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestContextID, "context", "help",
		"knowledge context the indexed chunks belong to")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(startURLs []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	stats, err := a.Ingest.Run(ctx, ingestContextID, startURLs)
	if err != nil {
		return fmt.Errorf("ingesting: %w", err)
	}

	fmt.Printf("Indexed %d pages (%d chunks), skipped %d, errors %d\n",
		stats.Pages, stats.Chunks, stats.Skipped, stats.Errors)
	return nil
}
