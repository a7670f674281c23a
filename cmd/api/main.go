package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"chartcredits/internal/config"
	"chartcredits/internal/infrastructure"
	"chartcredits/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chartcredits: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx, cfg, log)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		return err
	}

	log.Info("chartcredits is running",
		zap.String("api_addr", cfg.ApiAddr()),
		zap.String("bus_provider", cfg.BusProvider),
	)
	if err := app.Run(ctx); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	log.Info("chartcredits stopped")
	return nil
}
