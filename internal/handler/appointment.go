package handler

import (
	"context"
	stderrors "errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/response"
)

type AppointmentUpdater interface {
	UpdateStatus(ctx context.Context, id int64, status model.AppointmentStatus) (*model.Appointment, error)
}

type AppointmentHandler struct {
	appointments AppointmentUpdater
}

func NewAppointmentHandler(appointments AppointmentUpdater) *AppointmentHandler {
	return &AppointmentHandler{appointments: appointments}
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus 日历侧回写预约结果
// POST /v1/appointments/:id/status
func (h *AppointmentHandler) UpdateStatus(ctx context.Context, c *app.RequestContext) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(ctx, c, errors.InvalidRequest)
		return
	}

	var req updateStatusRequest
	if err := c.BindJSON(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	appt, err := h.appointments.UpdateStatus(ctx, id, model.AppointmentStatus(req.Status))
	if stderrors.Is(err, errors.ErrAppointmentNotFound) {
		response.Error(ctx, c, errors.AppointmentNotFound)
		return
	}
	if err != nil {
		logger.Logger.Error("Failed to update appointment status",
			zap.Int64("appointment_id", id),
			zap.String("status", req.Status),
			zap.Error(err),
		)
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, appt)
}
