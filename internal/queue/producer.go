package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"SalesAgent/internal/model"
	"SalesAgent/internal/service"
	"SalesAgent/pkg/logger"
	"SalesAgent/storage/mq"
)

const defaultInlineTimeout = 30 * time.Second

// MQDispatcher 发布到 tasks.topic，由 worker 消费
type MQDispatcher struct{}

func NewMQDispatcher() *MQDispatcher {
	return &MQDispatcher{}
}

func (d *MQDispatcher) Submit(ctx context.Context, task model.BackgroundTask) error {
	err := mq.PublishMessage(ctx, mq.TaskExchange, RoutingKey(task.Kind), task.TaskID, task)
	if err != nil {
		logger.Logger.Error("Failed to publish background task",
			zap.String("task_id", task.TaskID),
			zap.String("kind", string(task.Kind)),
			zap.Int64("lead_id", task.LeadID),
			zap.Error(err),
		)
		return fmt.Errorf("publish task %s: %w", task.Kind, err)
	}

	logger.Logger.Debug("Published background task",
		zap.String("task_id", task.TaskID),
		zap.String("kind", string(task.Kind)),
	)
	return nil
}

// InlineDispatcher 不启用 MQ 时在进程内异步执行
type InlineDispatcher struct {
	handler service.TaskHandler
	timeout time.Duration
}

func NewInlineDispatcher(handler service.TaskHandler, timeout time.Duration) *InlineDispatcher {
	if timeout <= 0 {
		timeout = defaultInlineTimeout
	}
	return &InlineDispatcher{handler: handler, timeout: timeout}
}

func (d *InlineDispatcher) Submit(ctx context.Context, task model.BackgroundTask) error {
	// 脱离请求的取消信号，但保留链路信息
	base := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Logger.Error("Background task panicked",
					zap.String("task_id", task.TaskID),
					zap.String("kind", string(task.Kind)),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()

		runCtx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		// 错误已在 TaskRunner 内记录
		_ = d.handler.HandleTask(runCtx, task)
	}()
	return nil
}
