package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"SalesAgent/internal/cache"
	"SalesAgent/internal/service"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/storage/mq"
)

const taskConsumerTag = "followup_task_consumer"

// newTaskHandler 去重后交给 TaskRunner；失败时释放锁，允许重投后重试
func newTaskHandler(handler service.TaskHandler, dedup *cache.Deduplicator) mq.MessageHandler {
	return func(ctx context.Context, body []byte) error {
		task, err := decodeTask(body)
		if err != nil {
			// 无法解析的消息重投也没用
			logger.Logger.Error("Dropping malformed background task", zap.Error(err))
			return &errors.SkipMessageError{Reason: err.Error()}
		}

		if dedup != nil && task.TaskID != "" {
			acquired, err := dedup.TryAcquire(ctx, dedupKey(task))
			if err != nil {
				logger.Logger.Warn("Task dedup check failed", zap.String("task_id", task.TaskID), zap.Error(err))
			}
			if !acquired {
				return &errors.SkipMessageError{Reason: fmt.Sprintf("task %s already processed", task.TaskID)}
			}
		}

		logger.Logger.Info("Processing background task",
			zap.String("task_id", task.TaskID),
			zap.String("kind", string(task.Kind)),
			zap.Int64("lead_id", task.LeadID),
		)

		if err := handler.HandleTask(ctx, task); err != nil {
			if dedup != nil && task.TaskID != "" {
				dedup.Abandon(context.WithoutCancel(ctx), dedupKey(task))
			}
			return err
		}

		if dedup != nil && task.TaskID != "" {
			dedup.Release(context.WithoutCancel(ctx), dedupKey(task))
		}
		return nil
	}
}

// StartTaskConsumer 阻塞消费 tasks.followup，直到 ctx 取消
func StartTaskConsumer(ctx context.Context, handler service.TaskHandler, dedup *cache.Deduplicator, prefetch int) error {
	if prefetch <= 0 {
		prefetch = 10
	}
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.TaskQueue,
		ConsumerTag:   taskConsumerTag,
		PrefetchCount: prefetch,
		Handler:       newTaskHandler(handler, dedup),
	})
}
