package alert

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"SalesAgent/pkg/logger"
)

// Notifier 需要人工介入时的告警出口
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier 没有任何告警渠道时退化为错误日志
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, subject, body string) error {
	logger.Logger.Error("ALERT", zap.String("subject", subject), zap.String("body", body))
	return nil
}

// Multi 扇出到所有渠道，单个失败不影响其他渠道
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, subject, body); err != nil {
			logger.Logger.Warn("Alert channel failed", zap.String("subject", subject), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Recorder 测试用，记录收到的告警
type Recorder struct {
	mu     sync.Mutex
	Alerts []Alert
}

type Alert struct {
	Subject string
	Body    string
}

func (r *Recorder) Notify(ctx context.Context, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, Alert{Subject: subject, Body: body})
	return nil
}

func (r *Recorder) Snapshot() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.Alerts))
	copy(out, r.Alerts)
	return out
}
