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
)

// AppointmentService 外部回报的预约状态变化
type AppointmentService struct {
	appointments repository.AppointmentRepository
	leads        repository.LeadRepository
	scheduler    *FollowUpScheduler
	now          func() time.Time
}

func NewAppointmentService(appointments repository.AppointmentRepository, leads repository.LeadRepository, scheduler *FollowUpScheduler) *AppointmentService {
	return &AppointmentService{
		appointments: appointments,
		leads:        leads,
		scheduler:    scheduler,
		now:          time.Now,
	}
}

func (s *AppointmentService) UpdateStatus(ctx context.Context, id int64, status model.AppointmentStatus) (*model.Appointment, error) {
	if !status.Valid() || status == model.AppointmentScheduled {
		return nil, errors.AppointmentStatusInvalid
	}

	appt, err := s.appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.appointments.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	appt.Status = status

	lead, err := s.leads.Get(ctx, appt.LeadID)
	if err != nil {
		return appt, fmt.Errorf("load lead for appointment %d: %w", id, err)
	}

	switch status {
	case model.AppointmentCompleted:
		if err := s.leads.UpdateStage(ctx, lead.ID, model.StageDemoCompleted); err != nil {
			return appt, err
		}
		lead.Stage = model.StageDemoCompleted
		// 提前结束的演示不再发提醒
		if err := s.scheduler.CancelForAppointment(ctx, id); err != nil {
			return appt, err
		}
		if _, err := s.scheduler.SchedulePostDemo(ctx, lead, appt); err != nil && !stderrors.Is(err, errors.ErrLeadOptedOut) {
			return appt, err
		}

	case model.AppointmentNoShow:
		if err := s.scheduler.CancelForAppointment(ctx, id); err != nil {
			return appt, err
		}
		if _, err := s.scheduler.ScheduleNoShow(ctx, lead, appt, s.now()); err != nil && !stderrors.Is(err, errors.ErrLeadOptedOut) {
			return appt, err
		}

	case model.AppointmentCancelled, model.AppointmentRescheduled:
		if err := s.scheduler.CancelForAppointment(ctx, id); err != nil {
			return appt, err
		}
	}

	logger.Logger.Info("Appointment status updated",
		zap.Int64("appointment_id", id),
		zap.Int64("lead_id", lead.ID),
		zap.String("status", string(status)),
	)
	return appt, nil
}
