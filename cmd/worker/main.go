package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"classattend/internal/app"
	"classattend/internal/config"
)

// Worker consumes engine events, runs fraud detection and keeps risk scores
// current. It also re-sweeps recent logs on an interval.
func main() {
	cfg := config.Load()
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.QueueBackend == "memory" {
		logger.Fatal("worker needs a shared queue; QUEUE_BACKEND=memory only works inside the api process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	go a.Settings.Run(ctx, cfg.SettingsRefresh)

	d := a.Dispatcher()
	go d.RunSweeps(ctx, cfg.FraudSweepInterval, cfg.FraudSweepWindow)

	if err := d.Run(ctx, a.Queue); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
