package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"SalesAgent/config"
	"SalesAgent/pkg/logger"
)

// 后台任务拓扑
const (
	TaskExchange      = "tasks.topic"
	TaskQueue         = "tasks.followup"
	TaskRoutingPrefix = "task."
	TaskDeadExchange  = "tasks.dlx"
	TaskDeadQueue     = "tasks.followup.dead"
)

var (
	conn        *amqp.Connection
	connMu      sync.RWMutex
	serviceName = "salesagent"
)

func Init(cfg config.Config) error {
	connMu.Lock()
	defer connMu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return nil
	}

	c, err := amqp.Dial(cfg.GetRabbitMQURL())
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	conn = c
	if cfg.ServiceName != "" {
		serviceName = cfg.ServiceName
	}

	if err := declareTopology(c); err != nil {
		return err
	}

	logger.Logger.Info("RabbitMQ connected",
		zap.String("component", "rabbitmq"),
		zap.String("exchange", TaskExchange),
		zap.String("queue", TaskQueue),
	)
	return nil
}

func Connection() *amqp.Connection {
	connMu.RLock()
	defer connMu.RUnlock()
	return conn
}

// declareTopology 声明交换机和队列，重复声明是幂等的
func declareTopology(c *amqp.Connection) error {
	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(TaskDeadExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", TaskDeadExchange, err)
	}
	if _, err := ch.QueueDeclare(TaskDeadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", TaskDeadQueue, err)
	}
	if err := ch.QueueBind(TaskDeadQueue, "", TaskDeadExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", TaskDeadQueue, err)
	}

	if err := ch.ExchangeDeclare(TaskExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", TaskExchange, err)
	}
	if _, err := ch.QueueDeclare(TaskQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": TaskDeadExchange,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", TaskQueue, err)
	}
	if err := ch.QueueBind(TaskQueue, TaskRoutingPrefix+"#", TaskExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", TaskQueue, err)
	}
	return nil
}

func Close(ctx context.Context) error {
	connMu.Lock()
	defer connMu.Unlock()

	closePublisherChannel()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		conn = nil
		return err
	}
}
