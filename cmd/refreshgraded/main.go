// Package main refreshes the value of every graded item in the catalog.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardvault/config"
	"cardvault/internal/app"
	"cardvault/internal/logging"
)

func main() {
	limit := flag.Int("limit", 0, "max graded items to refresh, 0 = all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	stats, err := application.Batch.RunGraded(ctx, *limit)
	if err != nil {
		slog.Error("graded refresh failed", "error", err)
		os.Exit(1)
	}
	slog.Info("graded refresh complete",
		"job_id", stats.JobID,
		"total", stats.Total,
		"resolved", stats.Resolved,
		"skipped", stats.Skipped,
		"errored", stats.Errored,
	)
}
