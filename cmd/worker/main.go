package main

import (
	"context"
	stderrors "errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"SalesAgent/config"
	"SalesAgent/internal/bootstrap"
	"SalesAgent/internal/queue"
	"SalesAgent/pkg/logger"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	a, err := bootstrap.Init(ctx, bootstrap.Options{Role: "worker", WithMQ: true})
	if err != nil {
		logger.Logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	logger.Logger.Info("Worker service starting",
		zap.String("service", config.Cfg.ServiceName+"-worker"),
		zap.String("environment", config.Cfg.Environment),
		zap.Int("prefetch", config.Cfg.WorkerPrefetch),
	)

	err = queue.StartTaskConsumer(ctx, a.Tasks, a.Dedup, config.Cfg.WorkerPrefetch)
	if err != nil && !stderrors.Is(err, context.Canceled) {
		logger.Logger.Error("Task consumer stopped", zap.Error(err))
	}

	logger.Logger.Info("Worker service shutting down gracefully")
}
