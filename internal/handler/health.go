package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"SalesAgent/pkg/response"
)

// Health GET /healthz
func Health(ctx context.Context, c *app.RequestContext) {
	response.Success(ctx, c, map[string]string{"status": "ok"})
}
