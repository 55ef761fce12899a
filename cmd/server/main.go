package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"go.uber.org/zap"

	cfgpkg "SalesAgent/config"
	"SalesAgent/internal/bootstrap"
	"SalesAgent/internal/handler"
	"SalesAgent/internal/middleware"
	"SalesAgent/internal/router"
	"SalesAgent/pkg/logger"
	"SalesAgent/storage/redis"
)

func main() {
	if err := cfgpkg.Load(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := cfgpkg.Cfg

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

	// 关闭队列时后台任务在进程内执行
	a, err := bootstrap.Init(ctx, bootstrap.Options{Role: "server", WithMQ: cfg.TaskQueueEnabled})
	if err != nil {
		logger.Logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	logger.Logger.Info("Server starting",
		zap.String("service", cfg.ServiceName),
		zap.String("port", cfg.ServerPort),
		zap.String("environment", cfg.Environment),
		zap.Bool("task_queue", cfg.TaskQueueEnabled),
	)

	addr := net.JoinHostPort(cfg.ServerHost, cfg.ServerPort)
	opts := []config.Option{server.WithHostPorts(addr)}

	var tracing app.HandlerFunc
	if cfg.OTelEnabled {
		tracerOpt, mw := middleware.NewServerTracerConfig()
		opts = append(opts, tracerOpt)
		tracing = mw
	}

	h := server.Default(opts...)

	recoverCfg := middleware.DefaultRecoverConfig(cfg.IsProduction())
	recoverCfg.OnSevereError = func(ctx context.Context, c *app.RequestContext, err any, stack []byte) {
		if a.Sentry != nil {
			a.Sentry.CapturePanic(err, stack)
		}
	}

	deps := router.Deps{
		Cron:         handler.NewCronHandler(a.Delivery),
		Webhook:      handler.NewWebhookHandler(a.Conversation, cfg.WhatsAppVerifyToken),
		Appointments: handler.NewAppointmentHandler(a.AppointmentsSvc),
		CronAuth: middleware.CronAuthConfig{
			Secret:          cfg.CronSecret,
			SignatureHeader: cfg.CronSignatureHeader,
			Bypass:          cfg.IsDevelopment(),
		},
		Recover: recoverCfg,
		Tracing: tracing,
	}
	if cfg.RateLimitEnabled {
		deps.Redis = redis.Client()
	}
	router.Register(h.Engine, deps)

	// 优雅关闭：在单独的 goroutine 中监听关闭信号并调用 Shutdown
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()

	logger.Logger.Info("HTTP server listening", zap.String("addr", addr))

	h.Spin()

	logger.Logger.Info("Server shutting down gracefully")
}
