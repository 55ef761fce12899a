package service

import (
	"context"
	"time"

	"SalesAgent/internal/model"
	"SalesAgent/internal/repository"
)

// CadenceWindow 非时效类跟进的频控窗口
const CadenceWindow = 24 * time.Hour

// CadenceLimiter 每个线索在窗口内最多收到一条非时效类跟进
type CadenceLimiter struct {
	followUps repository.FollowUpRepository
	window    time.Duration
	now       func() time.Time
}

func NewCadenceLimiter(followUps repository.FollowUpRepository) *CadenceLimiter {
	return &CadenceLimiter{
		followUps: followUps,
		window:    CadenceWindow,
		now:       time.Now,
	}
}

func (l *CadenceLimiter) Window() time.Duration {
	return l.window
}

func (l *CadenceLimiter) CanSend(ctx context.Context, leadID int64, t model.FollowUpType) (bool, error) {
	if t.IsTimeCritical() {
		return true, nil
	}
	sent, err := l.followUps.HasSentSince(ctx, leadID, l.now().Add(-l.window))
	if err != nil {
		return false, err
	}
	return !sent, nil
}
