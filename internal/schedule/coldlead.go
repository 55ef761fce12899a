package schedule

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"SalesAgent/internal/repository"
	"SalesAgent/internal/service"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
)

const defaultColdLeadBatch = 500

// ColdLeadDetector 找出沉默的活跃线索并开启再激活序列
type ColdLeadDetector struct {
	leads     repository.LeadRepository
	scheduler *service.FollowUpScheduler
	after     time.Duration
	batch     int
	logger    *zap.Logger
	now       func() time.Time

	jobMu      sync.Mutex
	jobRunning bool
}

func NewColdLeadDetector(leads repository.LeadRepository, scheduler *service.FollowUpScheduler, after time.Duration) *ColdLeadDetector {
	if after <= 0 {
		after = 24 * time.Hour
	}
	return &ColdLeadDetector{
		leads:     leads,
		scheduler: scheduler,
		after:     after,
		batch:     defaultColdLeadBatch,
		logger:    logger.Logger,
		now:       time.Now,
	}
}

// Run 返回本次新排期的线索数
func (d *ColdLeadDetector) Run(ctx context.Context) (int, error) {
	d.jobMu.Lock()
	if d.jobRunning {
		d.jobMu.Unlock()
		d.logger.Info("Cold lead detection already running, skipping")
		return 0, nil
	}
	d.jobRunning = true
	d.jobMu.Unlock()

	defer func() {
		d.jobMu.Lock()
		d.jobRunning = false
		d.jobMu.Unlock()
	}()

	now := d.now()
	leads, err := d.leads.ListColdLeads(ctx, now.Add(-d.after), d.batch)
	if err != nil {
		return 0, fmt.Errorf("list cold leads: %w", err)
	}

	scheduled := 0
	for i := range leads {
		lead := &leads[i]
		if !d.scheduler.ShouldReengage(lead, 1) {
			continue
		}
		if _, err := d.scheduler.ScheduleReengagement(ctx, lead, 1, now); err != nil {
			if !stderrors.Is(err, errors.ErrLeadOptedOut) {
				d.logger.Error("Failed to schedule re-engagement",
					zap.Int64("lead_id", lead.ID),
					zap.Error(err),
				)
			}
			continue
		}
		scheduled++
	}

	d.logger.Info("Cold lead detection completed",
		zap.Int("candidates", len(leads)),
		zap.Int("scheduled", scheduled),
	)
	return scheduled, nil
}
