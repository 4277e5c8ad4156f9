// Package main prices the raw card catalog through the provider waterfall.
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
	"cardvault/internal/catalog"
	"cardvault/internal/logging"
)

func main() {
	mode := flag.String("mode", "", "selection mode: tracked, set or all (default from SEED_MODE)")
	setCode := flag.String("set", "", "set code for mode 'set'")
	setID := flag.Int64("set-id", 0, "set id for mode 'set'")
	limit := flag.Int("limit", 0, "max cards to price, 0 = no cap")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging)

	if *mode != "" {
		cfg.Batch.Mode = *mode
	}
	if *setCode != "" {
		cfg.Batch.SetCode = *setCode
	}
	if *setID != 0 {
		cfg.Batch.SetID = *setID
	}
	if *limit != 0 {
		cfg.Batch.Limit = *limit
	}
	sel := catalog.Selection{
		Mode:    cfg.Batch.Mode,
		SetCode: cfg.Batch.SetCode,
		SetID:   cfg.Batch.SetID,
		Limit:   cfg.Batch.Limit,
	}
	if err := sel.Validate(); err != nil {
		slog.Error("invalid selection", "error", err)
		os.Exit(2)
	}

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

	stats, err := application.Batch.RunRaw(ctx, sel)
	if err != nil {
		slog.Error("pricing run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("pricing run complete",
		"job_id", stats.JobID,
		"total", stats.Total,
		"resolved", stats.Resolved,
		"skipped", stats.Skipped,
		"errored", stats.Errored,
	)
}
