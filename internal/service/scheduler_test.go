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

func TestSchedule_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.scheduler.Schedule(ctx, ScheduleRequest{Type: model.FollowUpLater, Message: "x"})
	assert.Error(t, err)
	_, err = h.scheduler.Schedule(ctx, ScheduleRequest{LeadID: 1, Type: "bogus", Message: "x"})
	assert.Error(t, err)
	_, err = h.scheduler.Schedule(ctx, ScheduleRequest{LeadID: 1, Type: model.FollowUpLater})
	assert.Error(t, err)
}

func TestCancel_OnlyNamedTypes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone)
	other := h.lead(t, "+5215550002222")

	_, err := h.scheduler.ScheduleReengagement(ctx, lead, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = h.scheduler.ScheduleLater(ctx, lead)
	require.NoError(t, err)
	_, err = h.scheduler.ScheduleReengagement(ctx, other, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Cancel(ctx, lead.ID, model.FollowUpColdLeadReengagement))

	items := h.followUpsOf(t, lead.ID)
	assert.Equal(t, model.FollowUpCancelled, items[model.FollowUpColdLeadReengagement].Status)
	assert.Equal(t, "superseded", items[model.FollowUpColdLeadReengagement].StatusReason)
	assert.Equal(t, model.FollowUpPending, items[model.FollowUpLater].Status)
	// 其他线索不受影响
	assert.Equal(t, model.FollowUpPending, h.followUpsOf(t, other.ID)[model.FollowUpColdLeadReengagement].Status)
}

func TestCancel_TerminalRowsUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone)

	id, err := h.scheduler.ScheduleReengagement(ctx, lead, 1, time.Now())
	require.NoError(t, err)
	ok, err := h.followUps.MarkSent(ctx, id, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.scheduler.Cancel(ctx, lead.ID))
	assert.Equal(t, model.FollowUpSent, h.followUpsOf(t, lead.ID)[model.FollowUpColdLeadReengagement].Status)
}

func TestScheduleAppointmentReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.scheduler.now = func() time.Time { return now }
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageDemoScheduled })

	t.Run("both reminders", func(t *testing.T) {
		appt := &model.Appointment{LeadID: lead.ID, StartsAt: now.Add(48 * time.Hour), MeetingURL: "https://meet.example.com/abc"}
		require.NoError(t, h.appointments.Create(ctx, appt))

		ids, err := h.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		// 重投不重复排
		ids, err = h.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
		require.NoError(t, err)
		assert.Empty(t, ids)

		r24 := h.followUpsOf(t, lead.ID)[model.FollowUpDemoReminder24h]
		assert.True(t, now.Add(24*time.Hour).Equal(r24.ScheduledFor))
		assert.Contains(t, r24.Message, "https://meet.example.com/abc")
		require.NotNil(t, r24.AppointmentID)
		assert.Equal(t, appt.ID, *r24.AppointmentID)
	})

	t.Run("24h point already passed", func(t *testing.T) {
		appt := &model.Appointment{LeadID: lead.ID, StartsAt: now.Add(5 * time.Hour)}
		require.NoError(t, h.appointments.Create(ctx, appt))

		ids, err := h.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
		require.NoError(t, err)
		require.Len(t, ids, 1)
		f, err := h.followUps.Get(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, model.FollowUpDemoReminder1h, f.Type)
	})

	t.Run("appointment too close", func(t *testing.T) {
		appt := &model.Appointment{LeadID: lead.ID, StartsAt: now.Add(30 * time.Minute)}
		require.NoError(t, h.appointments.Create(ctx, appt))

		ids, err := h.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestSchedule_OptedOutLeadRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.OptedOut = true })

	_, err := h.scheduler.ScheduleLater(ctx, lead)
	assert.ErrorIs(t, err, errors.ErrLeadOptedOut)
	_, err = h.scheduler.ScheduleReengagement(ctx, lead, 1, time.Now())
	assert.ErrorIs(t, err, errors.ErrLeadOptedOut)
}

func TestScheduleLater_Dedupes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone)

	first, err := h.scheduler.ScheduleLater(ctx, lead)
	require.NoError(t, err)
	assert.NotZero(t, first)

	second, err := h.scheduler.ScheduleLater(ctx, lead)
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestMarkOptedOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone)

	_, err := h.scheduler.ScheduleReengagement(ctx, lead, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = h.scheduler.ScheduleLater(ctx, lead)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.MarkOptedOut(ctx, lead.ID, ""))

	got := h.reload(t, lead.ID)
	assert.True(t, got.OptedOut)
	assert.Equal(t, ReasonExplicitOptOut, got.OptOutReason)
	assert.NotNil(t, got.OptedOutAt)
	for _, f := range h.followUpsOf(t, lead.ID) {
		assert.Equal(t, model.FollowUpOptedOut, f.Status, string(f.Type))
		assert.Equal(t, ReasonExplicitOptOut, f.StatusReason)
	}
}

func TestStopFollowUps_KeepsTimeCritical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })

	_, err := h.scheduler.ScheduleReengagement(ctx, lead, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = h.scheduler.ScheduleLater(ctx, lead)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.StopFollowUps(ctx, lead.ID, ReasonColdPattern))

	got := h.reload(t, lead.ID)
	assert.False(t, got.OptedOut)
	require.NotNil(t, got.FollowUpsStoppedAt)
	for _, f := range h.followUpsOf(t, lead.ID) {
		assert.Equal(t, model.FollowUpOptedOut, f.Status, string(f.Type))
		assert.Equal(t, ReasonColdPattern, f.StatusReason)
	}

	// 停发后预约提醒和会后跟进照常排期
	appt := &model.Appointment{LeadID: lead.ID, StartsAt: time.Now().Add(72 * time.Hour)}
	require.NoError(t, h.appointments.Create(ctx, appt))
	ids, err := h.scheduler.ScheduleAppointmentReminders(ctx, got, appt)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	_, err = h.scheduler.SchedulePostDemo(ctx, got, appt)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.ResumeFollowUps(ctx, got))
	assert.Nil(t, got.FollowUpsStoppedAt)
	assert.Nil(t, h.reload(t, lead.ID).FollowUpsStoppedAt)
}

func TestShouldReengage(t *testing.T) {
	s := &FollowUpScheduler{}
	stoppedAt := time.Now()
	cases := []struct {
		name    string
		lead    *model.Lead
		attempt int
		want    bool
	}{
		{"engaged first attempt", &model.Lead{Stage: model.StageEngaged}, 1, true},
		{"new lead last attempt", &model.Lead{Stage: model.StageNew}, 3, true},
		{"beyond max", &model.Lead{Stage: model.StageEngaged}, 4, false},
		{"zero attempt", &model.Lead{Stage: model.StageEngaged}, 0, false},
		{"opted out", &model.Lead{Stage: model.StageEngaged, OptedOut: true}, 1, false},
		{"follow-ups stopped", &model.Lead{Stage: model.StageEngaged, FollowUpsStoppedAt: &stoppedAt}, 1, false},
		{"demo scheduled", &model.Lead{Stage: model.StageDemoScheduled}, 1, false},
		{"won", &model.Lead{Stage: model.StageWon}, 2, false},
		{"nil lead", nil, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.ShouldReengage(tc.lead, tc.attempt))
		})
	}
}

func TestScheduleNextAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })
	sentAt := time.Now().Truncate(time.Second).UTC()

	first := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpColdLeadReengagement, Attempt: 1, ScheduledFor: sentAt}
	id, err := h.scheduler.ScheduleNextAttempt(ctx, lead, first, sentAt)
	require.NoError(t, err)
	require.NotZero(t, id)

	second, err := h.followUps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpReengagement2, second.Type)
	assert.Equal(t, 2, second.Attempt)
	assert.True(t, sentAt.Add(60*time.Hour).Equal(second.ScheduledFor))

	// 同类型已存在时不再排
	again, err := h.scheduler.ScheduleNextAttempt(ctx, lead, first, sentAt)
	require.NoError(t, err)
	assert.Zero(t, again)

	id, err = h.scheduler.ScheduleNextAttempt(ctx, lead, second, sentAt)
	require.NoError(t, err)
	third, err := h.followUps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpReengagement3, third.Type)
	assert.True(t, second.ScheduledFor.Add(96*time.Hour).Equal(third.ScheduledFor))
	assert.Contains(t, third.Message, "last message")

	// 序列在第三轮结束
	id, err = h.scheduler.ScheduleNextAttempt(ctx, lead, third, sentAt)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestScheduleNextAttempt_SecondSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })
	start := time.Now().Add(-10 * 24 * time.Hour).Truncate(time.Second).UTC()

	// 第一轮：第一条发出，第二条在线索回复后被取消
	first := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpColdLeadReengagement, Attempt: 1, ScheduledFor: start}
	require.NoError(t, h.followUps.Create(ctx, first))
	_, err := h.followUps.MarkSent(ctx, first.ID, start, nil)
	require.NoError(t, err)
	id, err := h.scheduler.ScheduleNextAttempt(ctx, lead, first, start)
	require.NoError(t, err)
	require.NotZero(t, id)

	replied := start.Add(30 * time.Hour)
	require.NoError(t, h.leads.TouchInbound(ctx, lead.ID, replied))
	require.NoError(t, h.scheduler.Cancel(ctx, lead.ID, model.SupersededByInbound()...))
	lead = h.reload(t, lead.ID)

	// 回复之后第一轮的任务重投不会再排
	id, err = h.scheduler.ScheduleNextAttempt(ctx, lead, first, replied)
	require.NoError(t, err)
	assert.Zero(t, id)

	// 第二轮：早于第一轮 reengagement_2 的计划时间开始，仍能排出新的第二条
	restart := replied.Add(25 * time.Hour)
	again := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpColdLeadReengagement, Attempt: 1, ScheduledFor: restart}
	require.NoError(t, h.followUps.Create(ctx, again))
	id, err = h.scheduler.ScheduleNextAttempt(ctx, lead, again, restart)
	require.NoError(t, err)
	require.NotZero(t, id)

	next, err := h.followUps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpReengagement2, next.Type)
	assert.Equal(t, model.FollowUpPending, next.Status)
	assert.True(t, restart.Add(60*time.Hour).Equal(next.ScheduledFor))
}

func TestScheduleNextAttempt_StageEndsSequence(t *testing.T) {
	h := newHarness(t)
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageDemoScheduled })

	first := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpColdLeadReengagement, Attempt: 1, ScheduledFor: time.Now()}
	id, err := h.scheduler.ScheduleNextAttempt(context.Background(), lead, first, time.Now())
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Empty(t, h.followUpsOf(t, lead.ID))
}
