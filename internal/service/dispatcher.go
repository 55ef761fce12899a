package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/alert"
	"SalesAgent/pkg/logger"
)

// Dispatcher 提交后台任务，不等待执行结果
type Dispatcher interface {
	Submit(ctx context.Context, task model.BackgroundTask) error
}

// TaskHandler 后台任务的执行端
type TaskHandler interface {
	HandleTask(ctx context.Context, task model.BackgroundTask) error
}

func NewTask(kind model.TaskKind, leadID int64, payload map[string]any) model.BackgroundTask {
	return model.BackgroundTask{
		TaskID:      uuid.NewString(),
		Kind:        kind,
		LeadID:      leadID,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}
}

// submitTask 提交失败只记日志，不影响用户侧响应
func submitTask(ctx context.Context, d Dispatcher, kind model.TaskKind, leadID int64, payload map[string]any) {
	if d == nil {
		return
	}
	task := NewTask(kind, leadID, payload)
	if err := d.Submit(ctx, task); err != nil {
		logger.Logger.Error("Failed to submit background task",
			zap.String("task_id", task.TaskID),
			zap.String("kind", string(task.Kind)),
			zap.Int64("lead_id", leadID),
			zap.Error(err),
		)
	}
}

const alertTimeout = 10 * time.Second

// notifyAsync 告警不阻塞用户响应
func notifyAsync(n alert.Notifier, subject, body string) {
	if n == nil {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Logger.Error("Alert notifier panicked", zap.Any("panic", rec))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := n.Notify(ctx, subject, body); err != nil {
			logger.Logger.Warn("Failed to deliver alert", zap.String("subject", subject), zap.Error(err))
		}
	}()
}
