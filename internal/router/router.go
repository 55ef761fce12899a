package router

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/route"
	redislib "github.com/redis/go-redis/v9"

	"SalesAgent/internal/handler"
	"SalesAgent/internal/middleware"
)

type Deps struct {
	Cron         *handler.CronHandler
	Webhook      *handler.WebhookHandler
	Appointments *handler.AppointmentHandler

	CronAuth middleware.CronAuthConfig
	Recover  middleware.RecoverConfig
	// Redis 为 nil 时不挂 IP 限流
	Redis redislib.UniversalClient
	// Tracing 由 server 创建的链路中间件，可为空
	Tracing app.HandlerFunc
}

func Register(r *route.Engine, d Deps) {
	r.Use(middleware.RecoverMiddleware(d.Recover))
	if d.Tracing != nil {
		r.Use(d.Tracing)
	}
	r.Use(middleware.OpenTelemetryMiddleware())

	r.GET("/healthz", handler.Health)

	api := r.Group("/api")

	// 平台定时触发
	cron := api.Group("/cron", middleware.CronAuthMiddleware(d.CronAuth))
	{
		cron.GET("/followups", d.Cron.RunFollowUps)
		cron.POST("/followups", d.Cron.RunFollowUps)
	}

	webhook := api.Group("/webhook")
	{
		webhook.GET("/whatsapp", d.Webhook.Verify)
		webhook.POST("/whatsapp", d.Webhook.Receive)
	}

	v1 := r.Group("/v1")
	appointments := v1.Group("/appointments", middleware.CronAuthMiddleware(d.CronAuth))
	if d.Redis != nil {
		appointments.Use(middleware.RateLimitMiddleware(d.Redis, middleware.AdminRateLimitConfig))
	}
	{
		appointments.POST("/:id/status", d.Appointments.UpdateStatus)
	}
}
