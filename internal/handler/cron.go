package handler

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"SalesAgent/internal/schedule"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/response"
)

type Sweeper interface {
	Sweep(ctx context.Context) (schedule.SweepSummary, error)
}

type CronHandler struct {
	sweeper Sweeper
}

func NewCronHandler(sweeper Sweeper) *CronHandler {
	return &CronHandler{sweeper: sweeper}
}

type sweepResponse struct {
	Status     string `json:"status"`
	Processed  int    `json:"processed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
}

// RunFollowUps 触发一次跟进投递扫描
// GET|POST /api/cron/followups
func (h *CronHandler) RunFollowUps(ctx context.Context, c *app.RequestContext) {
	summary, err := h.sweeper.Sweep(ctx)
	if err != nil {
		logger.Logger.Error("Follow-up sweep failed", zap.Error(err))
		response.Error(ctx, c, err)
		return
	}

	status := "ok"
	if summary.Skipped {
		status = "skipped"
	}
	c.JSON(http.StatusOK, sweepResponse{
		Status:     status,
		Processed:  summary.Processed,
		Successful: summary.Successful,
		Failed:     summary.Failed,
		DurationMS: summary.Duration.Milliseconds(),
	})
}
