// Package main is the entry point for the Alexander Drive engine.
// It serves health, metrics and admin endpoints and runs the collector
// for blobs whose removal is pending.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/prn-tf/alexander-drive/internal/app"
	"github.com/prn-tf/alexander-drive/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file")
	migrate := pflag.Bool("migrate", true, "apply pending migrations on start")
	pflag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		fmt.Fprintf(os.Stderr, "alexander-drive: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, migrate bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting Alexander Drive")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize engine")
		return err
	}
	defer closeApp(a, logger)

	if migrate {
		if err := a.DB.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	if err := a.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func closeApp(a *app.App, logger zerolog.Logger) {
	if err := a.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close engine cleanly")
	}
}
