package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

const flushTimeout = 2 * time.Second

// SentryNotifier 每条告警作为一条 warning 级别事件上报
type SentryNotifier struct {
	hub *sentry.Hub
}

func NewSentryNotifier(dsn, environment, release string) (*SentryNotifier, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &SentryNotifier{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *SentryNotifier) Notify(ctx context.Context, subject, body string) error {
	var id *sentry.EventID
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("alert", subject)
		scope.SetExtra("body", body)
		id = s.hub.CaptureMessage(subject)
	})
	if id == nil {
		return fmt.Errorf("sentry dropped alert %q", subject)
	}
	return nil
}

// CapturePanic 严重 panic 直接按异常上报
func (s *SentryNotifier) CapturePanic(err any, stack []byte) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetExtra("stack", string(stack))
		s.hub.CaptureException(fmt.Errorf("panic: %v", err))
	})
}

func (s *SentryNotifier) Flush() bool {
	return s.hub.Flush(flushTimeout)
}
