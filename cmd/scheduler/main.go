package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"SalesAgent/config"
	"SalesAgent/internal/bootstrap"
	"SalesAgent/pkg/logger"
)

// 平台 cron 不可用时的自驱动调度：周期性投递扫描 + 冷线索检测
func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Logger.Info("Scheduler received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	a, err := bootstrap.Init(ctx, bootstrap.Options{Role: "scheduler", WithMQ: config.Cfg.TaskQueueEnabled})
	if err != nil {
		logger.Logger.Fatal("Failed to initialize storage for scheduler", zap.Error(err))
	}
	defer a.Close()

	logger.Logger.Info("Scheduler service starting",
		zap.String("service", config.Cfg.ServiceName+"-scheduler"),
		zap.String("environment", config.Cfg.Environment),
	)

	go runDeliveryLoop(ctx, a)
	go runColdLeadLoop(ctx, a)

	<-ctx.Done()

	logger.Logger.Info("Scheduler service shutting down gracefully")
}

func interval(minutes int) time.Duration {
	// development 下统一 1 分钟，方便本地调试
	if config.Cfg.IsDevelopment() {
		return time.Minute
	}
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

// runDeliveryLoop 周期性投递到期跟进
func runDeliveryLoop(ctx context.Context, a *bootstrap.App) {
	every := interval(config.Cfg.DeliveryIntervalMinutes)
	logger.Logger.Info("Delivery loop started", zap.Duration("interval", every))

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if _, err := a.Delivery.Sweep(runCtx); err != nil {
				logger.Logger.Error("Delivery sweep run failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// runColdLeadLoop 周期性扫描沉默线索并开启再激活序列
func runColdLeadLoop(ctx context.Context, a *bootstrap.App) {
	every := interval(config.Cfg.ColdLeadScanMinutes)
	logger.Logger.Info("Cold lead loop started", zap.Duration("interval", every))

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			n, err := a.ColdLeads.Run(runCtx)
			if err != nil {
				logger.Logger.Error("Cold lead detection run failed", zap.Error(err))
			} else if n > 0 {
				logger.Logger.Info("Cold leads scheduled for re-engagement", zap.Int("count", n))
			}
			cancel()
		}
	}
}
