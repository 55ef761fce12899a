package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/response"
	"SalesAgent/pkg/token"
)

type CronAuthConfig struct {
	Secret          string
	SignatureHeader string
	// Bypass 开发环境跳过鉴权
	Bypass bool
}

// CronAuthMiddleware 接受 Bearer 共享密钥或平台签名头（HS256 JWT）任一
func CronAuthMiddleware(config CronAuthConfig) app.HandlerFunc {
	if config.SignatureHeader == "" {
		config.SignatureHeader = "X-Cron-Signature"
	}

	return func(ctx context.Context, c *app.RequestContext) {
		if config.Bypass {
			c.Next(ctx)
			return
		}

		if config.Secret != "" && authorized(c, config) {
			c.Next(ctx)
			return
		}

		logger.Logger.Warn("Unauthorized cron request",
			zap.String("path", string(c.Path())),
			zap.String("ip", c.ClientIP()),
		)
		response.Error(ctx, c, errors.Unauthorized)
		c.Abort()
	}
}

func authorized(c *app.RequestContext, config CronAuthConfig) bool {
	auth := string(c.GetHeader("Authorization"))
	if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok {
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(bearer)), []byte(config.Secret)) == 1 {
			return true
		}
	}

	if sig := string(c.GetHeader(config.SignatureHeader)); sig != "" {
		if err := token.VerifyCronToken(sig, config.Secret); err == nil {
			return true
		}
	}
	return false
}
