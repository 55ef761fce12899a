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
)

// TaskRunner 执行后台任务；任务至少投递一次，每个处理都容忍重复执行
type TaskRunner struct {
	leads         repository.LeadRepository
	followUps     repository.FollowUpRepository
	appointments  repository.AppointmentRepository
	conversations repository.ConversationRepository
	scheduler     *FollowUpScheduler
	now           func() time.Time
}

func NewTaskRunner(
	leads repository.LeadRepository,
	followUps repository.FollowUpRepository,
	appointments repository.AppointmentRepository,
	conversations repository.ConversationRepository,
	scheduler *FollowUpScheduler,
) *TaskRunner {
	return &TaskRunner{
		leads:         leads,
		followUps:     followUps,
		appointments:  appointments,
		conversations: conversations,
		scheduler:     scheduler,
		now:           time.Now,
	}
}

func (r *TaskRunner) HandleTask(ctx context.Context, task model.BackgroundTask) (err error) {
	defer func() { metrics.RecordTask(ctx, string(task.Kind), err) }()

	switch task.Kind {
	case model.TaskRecordMessage:
		err = r.recordMessage(ctx, task)
	case model.TaskFollowUpSent:
		err = r.followUpSent(ctx, task)
	case model.TaskAppointmentBooked:
		err = r.appointmentBooked(ctx, task)
	case model.TaskUpdateIndustry:
		err = r.leads.UpdateIndustry(ctx, task.LeadID, task.PayloadString("industry"))
	case model.TaskScheduleLater:
		err = r.scheduleLater(ctx, task)
	default:
		return &errors.SkipMessageError{Reason: "unknown task kind " + string(task.Kind)}
	}

	if err != nil {
		logger.Logger.Error("Background task failed",
			zap.String("task_id", task.TaskID),
			zap.String("kind", string(task.Kind)),
			zap.Int64("lead_id", task.LeadID),
			zap.Error(err),
		)
	}
	return err
}

func (r *TaskRunner) recordMessage(ctx context.Context, task model.BackgroundTask) error {
	sentAt := r.now()
	if ms := task.PayloadInt64("sent_at"); ms > 0 {
		sentAt = time.UnixMilli(ms)
	}
	direction := model.Direction(task.PayloadString("direction"))
	if direction == "" {
		direction = model.DirectionOutbound
	}
	return r.conversations.Append(ctx, &model.ConversationMessage{
		LeadID:       task.LeadID,
		Direction:    direction,
		Content:      task.PayloadString("content"),
		MessageID:    task.PayloadString("message_id"),
		Flow:         task.PayloadString("flow"),
		FollowUpType: task.PayloadString("follow_up_type"),
		SentAt:       sentAt,
	})
}

// followUpSent 记录出站轮次、刷新最近外呼时间，再激活类型排下一轮
func (r *TaskRunner) followUpSent(ctx context.Context, task model.BackgroundTask) error {
	item, err := r.followUps.Get(ctx, task.PayloadInt64("follow_up_id"))
	if err != nil {
		return err
	}
	if item.Status != model.FollowUpSent || item.SentAt == nil {
		return &errors.SkipMessageError{Reason: "follow-up not sent"}
	}
	lead, err := r.leads.Get(ctx, item.LeadID)
	if err != nil {
		return err
	}

	var errs []error
	err = r.conversations.Append(ctx, &model.ConversationMessage{
		LeadID:       lead.ID,
		Direction:    model.DirectionOutbound,
		Content:      item.Message,
		Flow:         "followup",
		FollowUpType: string(item.Type),
		SentAt:       *item.SentAt,
	})
	errs = append(errs, err)
	errs = append(errs, r.leads.TouchOutbound(ctx, lead.ID, *item.SentAt))

	if item.Type.IsReengagement() {
		id, err := r.scheduler.ScheduleNextAttempt(ctx, lead, item, r.now())
		if err != nil && !stderrors.Is(err, errors.ErrLeadOptedOut) {
			errs = append(errs, fmt.Errorf("schedule next attempt: %w", err))
		}
		if id != 0 {
			logger.Logger.Info("Next re-engagement attempt scheduled",
				zap.Int64("lead_id", lead.ID),
				zap.Int64("follow_up_id", id),
				zap.Int("attempt", item.Attempt+1),
			)
		}
	}
	return stderrors.Join(errs...)
}

func (r *TaskRunner) appointmentBooked(ctx context.Context, task model.BackgroundTask) error {
	appt, err := r.appointments.Get(ctx, task.PayloadInt64("appointment_id"))
	if err != nil {
		return err
	}
	lead, err := r.leads.Get(ctx, appt.LeadID)
	if err != nil {
		return err
	}
	_, err = r.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
	if stderrors.Is(err, errors.ErrLeadOptedOut) {
		return nil
	}
	return err
}

func (r *TaskRunner) scheduleLater(ctx context.Context, task model.BackgroundTask) error {
	lead, err := r.leads.Get(ctx, task.LeadID)
	if err != nil {
		return err
	}
	_, err = r.scheduler.ScheduleLater(ctx, lead)
	if stderrors.Is(err, errors.ErrLeadOptedOut) {
		return nil
	}
	return err
}
