package cache

import (
	"context"
	"time"

	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"SalesAgent/pkg/logger"
	"SalesAgent/utils"
)

// InboundLimiter 单个手机号的短时入站频控
type InboundLimiter struct {
	window  *SlidingWindow
	breaker *CircuitBreaker
}

func NewInboundLimiter(client redislib.UniversalClient, window time.Duration, max int) *InboundLimiter {
	return &InboundLimiter{
		window:  NewSlidingWindow(client, "rate:inbound", window, max),
		breaker: NewCircuitBreaker("inbound_limiter", 5, 30*time.Second),
	}
}

// Allow redis 异常时放行
func (l *InboundLimiter) Allow(ctx context.Context, phone string) bool {
	allowed := true
	err := l.breaker.Call(ctx, func() error {
		ok, _, err := l.window.Allow(ctx, utils.PhoneKey(phone))
		if err != nil {
			return err
		}
		allowed = ok
		return nil
	})
	if err != nil {
		logger.Logger.Warn("Inbound limiter unavailable, allowing message", zap.Error(err))
		return true
	}
	return allowed
}
