package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"SalesAgent/internal/model"
	"SalesAgent/internal/repository"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/metrics"
	"SalesAgent/utils"
)

// 各类跟进相对锚点的偏移
const (
	Reminder24hBefore = 24 * time.Hour
	Reminder1hBefore  = time.Hour
	PostDemoAfter     = 3 * time.Hour
	NoShowAfter       = 15 * time.Minute
	LaterAfter        = 48 * time.Hour
)

type ScheduleRequest struct {
	LeadID        int64
	Type          model.FollowUpType
	ScheduledFor  time.Time
	Message       string
	AppointmentID *int64
	Attempt       int
}

// FollowUpScheduler 决定跟进何时发出并写入存储；调用方把错误当作“记日志后继续”
type FollowUpScheduler struct {
	followUps repository.FollowUpRepository
	leads     repository.LeadRepository
	composer  *Composer
	now       func() time.Time
}

func NewFollowUpScheduler(followUps repository.FollowUpRepository, leads repository.LeadRepository, composer *Composer) *FollowUpScheduler {
	return &FollowUpScheduler{
		followUps: followUps,
		leads:     leads,
		composer:  composer,
		now:       time.Now,
	}
}

func (s *FollowUpScheduler) Schedule(ctx context.Context, req ScheduleRequest) (int64, error) {
	if req.LeadID == 0 {
		return 0, fmt.Errorf("schedule follow-up: lead id is required")
	}
	if !req.Type.Valid() {
		return 0, fmt.Errorf("schedule follow-up: unknown type %q", req.Type)
	}
	if req.Message == "" {
		return 0, fmt.Errorf("schedule follow-up: empty message")
	}
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = s.now()
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}

	f := &model.FollowUp{
		LeadID:        req.LeadID,
		AppointmentID: req.AppointmentID,
		Type:          req.Type,
		ScheduledFor:  req.ScheduledFor,
		Message:       req.Message,
		Status:        model.FollowUpPending,
		Attempt:       req.Attempt,
	}
	if err := s.followUps.Create(ctx, f); err != nil {
		return 0, err
	}

	metrics.RecordScheduled(ctx, string(req.Type))
	logger.Logger.Info("Follow-up scheduled",
		zap.Int64("follow_up_id", f.ID),
		zap.Int64("lead_id", req.LeadID),
		zap.String("type", string(req.Type)),
		zap.Time("scheduled_for", f.ScheduledFor),
	)
	return f.ID, nil
}

// Cancel 只取消指定类型的 pending 记录；不传类型时取消全部
func (s *FollowUpScheduler) Cancel(ctx context.Context, leadID int64, types ...model.FollowUpType) error {
	n, err := s.followUps.CancelPending(ctx, leadID, types, "superseded")
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Logger.Info("Pending follow-ups cancelled",
			zap.Int64("lead_id", leadID),
			zap.Int64("count", n),
		)
	}
	return nil
}

func (s *FollowUpScheduler) CancelForAppointment(ctx context.Context, appointmentID int64) error {
	_, err := s.followUps.CancelPendingForAppointment(ctx, appointmentID, "appointment_changed")
	return err
}

// MarkOptedOut 先转移 pending 记录再写线索标记，两步独立执行。
// 标记写失败可以容忍：投递时会逐条重新检查。
func (s *FollowUpScheduler) MarkOptedOut(ctx context.Context, leadID int64, reason string) error {
	if reason == "" {
		reason = ReasonExplicitOptOut
	}
	n, statusErr := s.followUps.MarkPendingOptedOut(ctx, leadID, reason)
	flagErr := s.leads.SetOptedOut(ctx, leadID, reason, s.now())

	logger.Logger.Info("Lead opted out",
		zap.Int64("lead_id", leadID),
		zap.String("reason", reason),
		zap.Int64("follow_ups", n),
	)
	return stderrors.Join(statusErr, flagErr)
}

// StopFollowUps 连续冷淡：只停掉培育类跟进，线索本身不算退订，
// 之后的预约提醒、会后跟进和爽约跟进照常排期
func (s *FollowUpScheduler) StopFollowUps(ctx context.Context, leadID int64, reason string) error {
	if reason == "" {
		reason = ReasonColdPattern
	}
	n, statusErr := s.followUps.MarkPendingOptedOut(ctx, leadID, reason, model.NurtureTypes()...)
	at := s.now()
	flagErr := s.leads.SetFollowUpsStopped(ctx, leadID, &at)

	logger.Logger.Info("Nurture follow-ups stopped",
		zap.Int64("lead_id", leadID),
		zap.String("reason", reason),
		zap.Int64("follow_ups", n),
	)
	return stderrors.Join(statusErr, flagErr)
}

// ResumeFollowUps 线索重新正常回复后解除停发
func (s *FollowUpScheduler) ResumeFollowUps(ctx context.Context, lead *model.Lead) error {
	if !lead.FollowUpsStopped() {
		return nil
	}
	if err := s.leads.SetFollowUpsStopped(ctx, lead.ID, nil); err != nil {
		return err
	}
	lead.FollowUpsStoppedAt = nil
	logger.Logger.Info("Nurture follow-ups resumed", zap.Int64("lead_id", lead.ID))
	return nil
}

func (s *FollowUpScheduler) ShouldReengage(lead *model.Lead, attempt int) bool {
	if lead == nil || lead.OptedOut || lead.FollowUpsStopped() {
		return false
	}
	if attempt < 1 || attempt > model.MaxReengagementAttempts {
		return false
	}
	switch lead.Stage {
	case model.StageDemoScheduled, model.StageDemoCompleted, model.StageWon, model.StageLost:
		return false
	}
	return true
}

// hasType 同一线索上已存在该类型（可选限定预约）的记录，任务重投时避免重复排期
func (s *FollowUpScheduler) hasType(ctx context.Context, leadID int64, t model.FollowUpType, appointmentID *int64, pendingOnly bool) (bool, error) {
	items, err := s.followUps.ListByLead(ctx, leadID)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.Type != t {
			continue
		}
		if pendingOnly && it.Status != model.FollowUpPending {
			continue
		}
		if appointmentID != nil && (it.AppointmentID == nil || *it.AppointmentID != *appointmentID) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// hasAttemptAfter 只看本轮序列：早于 after 的记录以及被取消或停发的记录都属于之前的序列
func (s *FollowUpScheduler) hasAttemptAfter(ctx context.Context, leadID int64, t model.FollowUpType, after time.Time) (bool, error) {
	items, err := s.followUps.ListByLead(ctx, leadID)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.Type != t || it.ScheduledFor.Before(after) {
			continue
		}
		switch it.Status {
		case model.FollowUpPending, model.FollowUpSent, model.FollowUpFailed:
			return true, nil
		}
	}
	return false, nil
}

// ScheduleAppointmentReminders 已经过去的提醒点直接跳过
func (s *FollowUpScheduler) ScheduleAppointmentReminders(ctx context.Context, lead *model.Lead, appt *model.Appointment) ([]int64, error) {
	if lead.OptedOut {
		return nil, errors.ErrLeadOptedOut
	}
	now := s.now()
	lc := LeadContextFrom(lead).WithAppointment(appt)
	apptID := appt.ID

	var ids []int64
	for _, r := range []struct {
		t      model.FollowUpType
		before time.Duration
	}{
		{model.FollowUpDemoReminder24h, Reminder24hBefore},
		{model.FollowUpDemoReminder1h, Reminder1hBefore},
	} {
		at := appt.StartsAt.Add(-r.before)
		if !at.After(now) {
			continue
		}
		exists, err := s.hasType(ctx, lead.ID, r.t, &apptID, false)
		if err != nil {
			return ids, err
		}
		if exists {
			continue
		}
		id, err := s.Schedule(ctx, ScheduleRequest{
			LeadID:        lead.ID,
			Type:          r.t,
			ScheduledFor:  at,
			Message:       s.composer.Compose(r.t, lc, 1),
			AppointmentID: &apptID,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *FollowUpScheduler) SchedulePostDemo(ctx context.Context, lead *model.Lead, appt *model.Appointment) (int64, error) {
	if lead.OptedOut {
		return 0, errors.ErrLeadOptedOut
	}
	apptID := appt.ID
	return s.Schedule(ctx, ScheduleRequest{
		LeadID:        lead.ID,
		Type:          model.FollowUpPostDemo,
		ScheduledFor:  utils.LaterOf(appt.StartsAt, PostDemoAfter, s.now()),
		Message:       s.composer.Compose(model.FollowUpPostDemo, LeadContextFrom(lead).WithAppointment(appt), 1),
		AppointmentID: &apptID,
	})
}

func (s *FollowUpScheduler) ScheduleNoShow(ctx context.Context, lead *model.Lead, appt *model.Appointment, reportedAt time.Time) (int64, error) {
	if lead.OptedOut {
		return 0, errors.ErrLeadOptedOut
	}
	apptID := appt.ID
	return s.Schedule(ctx, ScheduleRequest{
		LeadID:        lead.ID,
		Type:          model.FollowUpNoShow,
		ScheduledFor:  reportedAt.Add(NoShowAfter),
		Message:       s.composer.Compose(model.FollowUpNoShow, LeadContextFrom(lead).WithAppointment(appt), 1),
		AppointmentID: &apptID,
	})
}

func (s *FollowUpScheduler) ScheduleReengagement(ctx context.Context, lead *model.Lead, attempt int, at time.Time) (int64, error) {
	if lead.OptedOut {
		return 0, errors.ErrLeadOptedOut
	}
	t, ok := model.ReengagementType(attempt)
	if !ok {
		return 0, fmt.Errorf("no re-engagement type for attempt %d", attempt)
	}
	return s.Schedule(ctx, ScheduleRequest{
		LeadID:       lead.ID,
		Type:         t,
		ScheduledFor: at,
		Message:      s.composer.Compose(t, LeadContextFrom(lead), attempt),
		Attempt:      attempt,
	})
}

// ScheduleLater 已有待发的 later_followup 或已停发时不排
func (s *FollowUpScheduler) ScheduleLater(ctx context.Context, lead *model.Lead) (int64, error) {
	if lead.OptedOut {
		return 0, errors.ErrLeadOptedOut
	}
	if lead.FollowUpsStopped() {
		return 0, nil
	}
	exists, err := s.hasType(ctx, lead.ID, model.FollowUpLater, nil, true)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}
	return s.Schedule(ctx, ScheduleRequest{
		LeadID:       lead.ID,
		Type:         model.FollowUpLater,
		ScheduledFor: s.now().Add(LaterAfter),
		Message:      s.composer.Compose(model.FollowUpLater, LeadContextFrom(lead), 1),
	})
}

// ScheduleNextAttempt 再激活序列的下一轮，锚定在上一轮的计划时间；
// 返回 0 表示序列结束或线索已不符合条件
func (s *FollowUpScheduler) ScheduleNextAttempt(ctx context.Context, lead *model.Lead, sent *model.FollowUp, now time.Time) (int64, error) {
	if !sent.Type.IsReengagement() {
		return 0, nil
	}
	next := sent.Attempt + 1
	t, ok := model.ReengagementType(next)
	if !ok || !s.ShouldReengage(lead, next) {
		return 0, nil
	}
	// 发出之后线索回复过，本轮序列已结束
	if lead.LastInboundAt != nil && lead.LastInboundAt.After(sent.ScheduledFor) {
		return 0, nil
	}
	exists, err := s.hasAttemptAfter(ctx, lead.ID, t, sent.ScheduledFor)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}
	at := utils.LaterOf(sent.ScheduledFor, model.ReengagementDelay(next), now)
	return s.ScheduleReengagement(ctx, lead, next, at)
}
