package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abiroot/ispbot/api"
	"github.com/abiroot/ispbot/internal/app"
	"github.com/abiroot/ispbot/internal/config"
	"github.com/abiroot/ispbot/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the support engine and serves its HTTP API.

The server exposes /api/chat for conversation turns, /api/wizard/* for the
ticket wizard, /api/sessions for session diagnostics, and /health and /ready
probes. It shuts down gracefully on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting ispbot", "version", AppVersion)

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

	srv := api.NewServer(api.ServerConfig{
		Engine:   a.Engine,
		Wizard:   a.Wizard,
		Sessions: a.Sessions,
		DB:       a.DBPool,
		Logger:   logger,
	})

	if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}
