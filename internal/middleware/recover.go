package middleware

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/response"
)

type RecoverConfig struct {
	EnableStackTrace bool
	// 非生产环境在响应里带上 panic 详情
	ExposeDetails bool
	// 严重 panic 回调，一般接告警
	OnSevereError func(ctx context.Context, c *app.RequestContext, err any, stack []byte)
}

func DefaultRecoverConfig(isProduction bool) RecoverConfig {
	return RecoverConfig{
		EnableStackTrace: true,
		ExposeDetails:    !isProduction,
	}
}

func RecoverMiddleware(config RecoverConfig) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				handlePanic(ctx, c, err, config)
			}
		}()

		c.Next(ctx)
	}
}

func handlePanic(ctx context.Context, c *app.RequestContext, err any, config RecoverConfig) {
	var stack []byte
	if config.EnableStackTrace {
		stack = getStackTrace()
	}

	fields := []zap.Field{
		zap.String("panic", fmt.Sprintf("%v", err)),
		zap.String("path", string(c.Path())),
		zap.String("method", string(c.Method())),
		zap.String("client_ip", c.ClientIP()),
		zap.String("request_id", string(c.GetHeader("X-Request-Id"))),
	}
	if len(stack) > 0 {
		fields = append(fields, zap.ByteString("stack", stack))
	}
	logger.Logger.Error("[PANIC RECOVERED]", fields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(fmt.Errorf("panic: %v", err))
		span.SetStatus(codes.Error, "panic recovered")
	}

	if config.OnSevereError != nil && isSeverePanic(err) {
		config.OnSevereError(ctx, c, err, stack)
	}

	if config.ExposeDetails {
		response.ErrorWithDetails(ctx, c, errors.InternalError, map[string]interface{}{
			"panic":     fmt.Sprintf("%v", err),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	} else {
		response.Error(ctx, c, errors.InternalError)
	}
	c.Abort()
}

// getStackTrace 当前 goroutine 的调用栈，跳过 runtime 帧
func getStackTrace() []byte {
	var sb strings.Builder
	for i := 3; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/runtime/") {
			continue
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		fmt.Fprintf(&sb, "  %s:%d\n    %s\n", file, line, fn.Name())
	}
	return []byte(sb.String())
}

// isSeverePanic 空指针和越界也算：投递/入站链路上出现通常意味着数据不一致
func isSeverePanic(err any) bool {
	if err == nil {
		return false
	}

	errStr := fmt.Sprintf("%v", err)
	for _, pattern := range []string{
		"runtime: out of memory",
		"fatal error:",
		"concurrent map",
		"nil pointer dereference",
		"index out of range",
		"slice bounds out of range",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
