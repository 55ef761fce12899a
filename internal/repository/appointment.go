package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
)

type AppointmentRepository interface {
	Create(ctx context.Context, appt *model.Appointment) error
	Get(ctx context.Context, id int64) (*model.Appointment, error)
	UpdateStatus(ctx context.Context, id int64, status model.AppointmentStatus) error
}

type appointmentRepository struct {
	db *gorm.DB
}

func NewAppointmentRepository(db *gorm.DB) AppointmentRepository {
	return &appointmentRepository{db: db}
}

func (r *appointmentRepository) Create(ctx context.Context, appt *model.Appointment) error {
	if appt.Status == "" {
		appt.Status = model.AppointmentScheduled
	}
	appt.StartsAt = appt.StartsAt.UTC()
	if err := r.db.WithContext(ctx).Create(appt).Error; err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id int64) (*model.Appointment, error) {
	var appt model.Appointment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&appt).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %d: %w", id, err)
	}
	return &appt, nil
}

func (r *appointmentRepository) UpdateStatus(ctx context.Context, id int64, status model.AppointmentStatus) error {
	res := r.db.WithContext(ctx).Model(&model.Appointment{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("update appointment %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrAppointmentNotFound
	}
	return nil
}
