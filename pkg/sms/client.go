package sms

import "context"

// Client 短信兜底通道，只发纯文本
type Client interface {
	Name() string
	Send(ctx context.Context, phone, text string) error
}
