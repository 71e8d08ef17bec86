// Package main provides the headless sync runner that drains the outbox on
// startup, on a timer and whenever connectivity returns.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnst/lume-outbox/internal/bootstrap"
	"github.com/jnst/lume-outbox/internal/config"
	"github.com/jnst/lume-outbox/internal/logger"
)

const (
	signalBufferSize = 1
	exitCode         = 1
)

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping syncer")
		cancel()
	}()

	return ctx, cancel
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	// ログ設定
	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	ctx, cancel := setupSignalHandling()
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer app.Close()

	if app.Probe != nil {
		go app.Probe.Run(ctx)
	}

	slog.Info("starting outbox syncer",
		slog.String("service", "syncer"),
		slog.String("store", cfg.StoreDriver),
		slog.Duration("interval", cfg.SyncInterval),
		slog.Int("batch_size", cfg.SyncBatchSize),
	)

	if err := app.Runner.Run(ctx); err != nil {
		slog.Error("syncer stopped", slog.String("error", err.Error()))
		return
	}

	slog.Info("syncer stopped")
}
