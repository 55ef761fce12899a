package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
)

func setupAppointment(t *testing.T, h *harness, startsAt time.Time) (*model.Lead, *model.Appointment) {
	t.Helper()
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageDemoScheduled })
	appt := &model.Appointment{LeadID: lead.ID, StartsAt: startsAt, MeetingURL: "https://meet.example.com/abc"}
	require.NoError(t, h.appointments.Create(ctx, appt))
	_, err := h.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
	require.NoError(t, err)
	return lead, appt
}

func TestAppointmentUpdate_Completed(t *testing.T) {
	h := newHarness(t)
	svc := NewAppointmentService(h.appointments, h.leads, h.scheduler)
	lead, appt := setupAppointment(t, h, time.Now().Add(30*time.Hour).Truncate(time.Second))

	got, err := svc.UpdateStatus(context.Background(), appt.ID, model.AppointmentCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentCompleted, got.Status)

	assert.Equal(t, model.StageDemoCompleted, h.reload(t, lead.ID).Stage)
	items := h.followUpsOf(t, lead.ID)
	assert.Equal(t, model.FollowUpCancelled, items[model.FollowUpDemoReminder24h].Status)
	assert.Equal(t, model.FollowUpCancelled, items[model.FollowUpDemoReminder1h].Status)

	post, ok := items[model.FollowUpPostDemo]
	require.True(t, ok)
	assert.WithinDuration(t, appt.StartsAt.Add(PostDemoAfter), post.ScheduledFor, time.Second)
}

func TestAppointmentUpdate_NoShow(t *testing.T) {
	h := newHarness(t)
	svc := NewAppointmentService(h.appointments, h.leads, h.scheduler)
	now := time.Now().Truncate(time.Second).UTC()
	svc.now = func() time.Time { return now }
	lead, appt := setupAppointment(t, h, now.Add(-10*time.Minute))

	_, err := svc.UpdateStatus(context.Background(), appt.ID, model.AppointmentNoShow)
	require.NoError(t, err)

	noShow, ok := h.followUpsOf(t, lead.ID)[model.FollowUpNoShow]
	require.True(t, ok)
	assert.True(t, now.Add(NoShowAfter).Equal(noShow.ScheduledFor))
	assert.Contains(t, noShow.Message, "we missed you")
}

func TestAppointmentUpdate_Cancelled(t *testing.T) {
	h := newHarness(t)
	svc := NewAppointmentService(h.appointments, h.leads, h.scheduler)
	lead, appt := setupAppointment(t, h, time.Now().Add(30*time.Hour))

	_, err := svc.UpdateStatus(context.Background(), appt.ID, model.AppointmentCancelled)
	require.NoError(t, err)
	for _, f := range h.followUpsOf(t, lead.ID) {
		assert.Equal(t, model.FollowUpCancelled, f.Status)
	}
}

func TestAppointmentUpdate_Invalid(t *testing.T) {
	h := newHarness(t)
	svc := NewAppointmentService(h.appointments, h.leads, h.scheduler)

	_, err := svc.UpdateStatus(context.Background(), 1, "exploded")
	assert.ErrorIs(t, err, errors.AppointmentStatusInvalid)
	_, err = svc.UpdateStatus(context.Background(), 1, model.AppointmentScheduled)
	assert.ErrorIs(t, err, errors.AppointmentStatusInvalid)
	_, err = svc.UpdateStatus(context.Background(), 12345, model.AppointmentCompleted)
	assert.ErrorIs(t, err, errors.ErrAppointmentNotFound)
}
