package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"SalesAgent/internal/cache"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/response"
	"SalesAgent/storage/redis"
)

type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
	// 超限后封禁时长，0 表示不封禁
	BlockDuration time.Duration
}

// AdminRateLimitConfig 管理接口（预约状态回写）按 IP 限流
var AdminRateLimitConfig = RateLimitConfig{
	Window:        time.Minute,
	MaxRequests:   60,
	KeyPrefix:     "rate:admin",
	BlockDuration: 5 * time.Minute,
}

// RateLimitMiddleware redis 故障时放行，限流不应挡住正常回调
func RateLimitMiddleware(client redislib.UniversalClient, config RateLimitConfig) app.HandlerFunc {
	window := cache.NewSlidingWindow(client, config.KeyPrefix, config.Window, config.MaxRequests)

	return func(ctx context.Context, c *app.RequestContext) {
		ip := c.ClientIP()
		blockKey := redis.Key(config.KeyPrefix, "block", ip)

		if config.BlockDuration > 0 {
			n, err := client.Exists(ctx, blockKey).Result()
			if err != nil {
				logger.Logger.Warn("Failed to check block status", zap.Error(err))
			} else if n > 0 {
				response.Error(ctx, c, errors.TooManyRequests)
				c.Abort()
				return
			}
		}

		allowed, count, err := window.Allow(ctx, "ip:"+ip)
		if err != nil {
			logger.Logger.Warn("Failed to check rate limit", zap.Error(err))
			c.Next(ctx)
			return
		}

		remaining := config.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
		c.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			if config.BlockDuration > 0 {
				if err := client.Set(ctx, blockKey, "1", config.BlockDuration).Err(); err != nil {
					logger.Logger.Warn("Failed to block client", zap.Error(err))
				}
			}
			response.Error(ctx, c, errors.TooManyRequests)
			c.Abort()
			return
		}

		c.Next(ctx)
	}
}
