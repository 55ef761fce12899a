package mq

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	mqotel "SalesAgent/pkg/mq"
)

// MessageHandler 返回 error 时消息重新入队；返回 SkipMessageError 直接 ack
type MessageHandler func(ctx context.Context, body []byte) error

type ConsumeOptions struct {
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Handler       MessageHandler
}

// Consume 阻塞直到 ctx 取消或 channel 关闭
func Consume(ctx context.Context, opts ConsumeOptions) error {
	c := Connection()
	if c == nil {
		return fmt.Errorf("RabbitMQ connection is nil")
	}

	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	msgs, err := ch.Consume(
		opts.Queue,
		opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Logger.Info("Started consuming messages",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.Int("prefetch_count", opts.PrefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel closed: %s", opts.Queue)
			}

			msgCtx, end := mqotel.StartDeliverySpan(ctx, serviceName, opts.Queue, msg)
			herr := opts.Handler(msgCtx, msg.Body)
			end(herr)

			var skip *errors.SkipMessageError
			if stderrors.As(herr, &skip) {
				logger.Logger.Info("Message skipped",
					zap.String("queue", opts.Queue),
					zap.String("message_id", msg.MessageId),
					zap.String("reason", skip.Reason),
				)
				_ = msg.Ack(false)
				continue
			}

			if herr != nil {
				logger.Logger.Error("Failed to process message",
					zap.String("queue", opts.Queue),
					zap.String("message_id", msg.MessageId),
					zap.Bool("redelivered", msg.Redelivered),
					zap.Error(herr),
				)
				// 已重投过一次的进入死信队列，避免毒消息无限循环
				_ = msg.Nack(false, !msg.Redelivered)
				continue
			}

			_ = msg.Ack(false)
		}
	}
}
