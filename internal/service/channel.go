package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/metrics"
	"SalesAgent/pkg/whatsapp"
)

// Channel 出站文本通道。发送超时由通道实现自己的 http client 约束
type Channel interface {
	Name() string
	Send(ctx context.Context, phone, text string) error
}

// ListSender 支持交互列表的通道
type ListSender interface {
	SendList(ctx context.Context, phone string, list whatsapp.List) error
}

// FallbackChannel 主通道失败时尝试兜底通道（WhatsApp -> SMS）
type FallbackChannel struct {
	Primary  Channel
	Fallback Channel
}

func NewFallbackChannel(primary, fallback Channel) *FallbackChannel {
	return &FallbackChannel{Primary: primary, Fallback: fallback}
}

func (c *FallbackChannel) Name() string {
	if c.Primary == nil {
		return "none"
	}
	return c.Primary.Name()
}

func send(ctx context.Context, ch Channel, phone, text string) error {
	err := ch.Send(ctx, phone, text)
	metrics.RecordSend(ctx, ch.Name(), err)
	return err
}

func (c *FallbackChannel) Send(ctx context.Context, phone, text string) error {
	if c.Primary == nil {
		return errors.ErrChannelUnavailable
	}
	err := send(ctx, c.Primary, phone, text)
	if err == nil {
		return nil
	}
	if c.Fallback == nil {
		return err
	}

	logger.Logger.Warn("Primary channel failed, trying fallback",
		zap.String("primary", c.Primary.Name()),
		zap.String("fallback", c.Fallback.Name()),
		zap.Error(err),
	)
	if ferr := send(ctx, c.Fallback, phone, text); ferr != nil {
		return stderrors.Join(err, fmt.Errorf("fallback %s: %w", c.Fallback.Name(), ferr))
	}
	return nil
}

// SendList 主通道不支持或发送失败时降级为编号文本
func (c *FallbackChannel) SendList(ctx context.Context, phone string, list whatsapp.List) error {
	if ls, ok := c.Primary.(ListSender); ok {
		err := ls.SendList(ctx, phone, list)
		metrics.RecordSend(ctx, c.Primary.Name(), err)
		if err == nil {
			return nil
		}
		logger.Logger.Warn("Interactive list failed, degrading to text", zap.Error(err))
	}
	return c.Send(ctx, phone, list.AsText())
}

// LogChannel 未配置任何通道时只打日志（开发环境）
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(ctx context.Context, phone, text string) error {
	logger.Logger.Info("Outbound message (log channel)",
		zap.String("phone", phone),
		zap.String("text", text),
	)
	return nil
}

// sendList 通道支持时发列表，否则发编号文本
func sendList(ctx context.Context, ch Channel, phone string, list whatsapp.List) error {
	if ls, ok := ch.(ListSender); ok {
		return ls.SendList(ctx, phone, list)
	}
	return ch.Send(ctx, phone, list.AsText())
}
