package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/snowflake"
	"SalesAgent/storage/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, snowflake.Init(1, 1))

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

func createLead(t *testing.T, repo LeadRepository, phone string) *model.Lead {
	t.Helper()
	lead := &model.Lead{Phone: phone, Name: "Ana"}
	require.NoError(t, repo.Create(context.Background(), lead))
	return lead
}

func TestLeadRepository_FindOrCreateByPhone(t *testing.T) {
	ctx := context.Background()
	repo := NewLeadRepository(newTestDB(t))

	first, err := repo.FindOrCreateByPhone(ctx, "+5215550001111", "Ana")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, model.StageNew, first.Stage)

	again, err := repo.FindOrCreateByPhone(ctx, "+5215550001111", "Otro")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Ana", again.Name)

	_, err = repo.Get(ctx, 12345)
	assert.ErrorIs(t, err, errors.ErrLeadNotFound)
}

func TestLeadRepository_Updates(t *testing.T) {
	ctx := context.Background()
	repo := NewLeadRepository(newTestDB(t))
	lead := createLead(t, repo, "+5215550002222")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.SetOptedOut(ctx, lead.ID, "explicit_opt_out", now))
	require.NoError(t, repo.UpdateStage(ctx, lead.ID, model.StageQualified))
	require.NoError(t, repo.UpdateIndustry(ctx, lead.ID, "dental"))
	require.NoError(t, repo.UpdateEmail(ctx, lead.ID, "ana@example.com"))
	require.NoError(t, repo.UpdateTopic(ctx, lead.ID, "pricing"))
	require.NoError(t, repo.TouchInbound(ctx, lead.ID, now))

	got, err := repo.Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, got.OptedOut)
	assert.Equal(t, "explicit_opt_out", got.OptOutReason)
	assert.Equal(t, model.StageQualified, got.Stage)
	assert.Equal(t, "dental", got.Industry)
	assert.Equal(t, "ana@example.com", got.Email)
	assert.Equal(t, "pricing", got.LastTopic)
	require.NotNil(t, got.LastInboundAt)
	assert.True(t, got.LastInboundAt.Equal(now))

	assert.ErrorIs(t, repo.UpdateStage(ctx, 999, model.StageWon), errors.ErrLeadNotFound)
}

func TestLeadRepository_ListColdLeads(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	leads := NewLeadRepository(db)
	followUps := NewFollowUpRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	cold := createLead(t, leads, "+5215550000001")
	require.NoError(t, leads.TouchInbound(ctx, cold.ID, old))

	active := createLead(t, leads, "+5215550000002")
	require.NoError(t, leads.TouchInbound(ctx, active.ID, recent))

	optedOut := createLead(t, leads, "+5215550000003")
	require.NoError(t, leads.TouchInbound(ctx, optedOut.ID, old))
	require.NoError(t, leads.SetOptedOut(ctx, optedOut.ID, "explicit_opt_out", now))

	booked := createLead(t, leads, "+5215550000004")
	require.NoError(t, leads.TouchInbound(ctx, booked.ID, old))
	require.NoError(t, leads.UpdateStage(ctx, booked.ID, model.StageDemoScheduled))

	inSequence := createLead(t, leads, "+5215550000005")
	require.NoError(t, leads.TouchInbound(ctx, inSequence.ID, old))
	require.NoError(t, followUps.Create(ctx, &model.FollowUp{
		LeadID: inSequence.ID, Type: model.FollowUpColdLeadReengagement,
		ScheduledFor: now, Message: "hola",
	}))

	stopped := createLead(t, leads, "+5215550000006")
	require.NoError(t, leads.TouchInbound(ctx, stopped.ID, old))
	require.NoError(t, leads.SetFollowUpsStopped(ctx, stopped.ID, &now))

	// 上一轮序列在最近一次回复之前，回复后取消的第二条不算
	reCold := createLead(t, leads, "+5215550000007")
	require.NoError(t, leads.TouchInbound(ctx, reCold.ID, old))
	require.NoError(t, followUps.Create(ctx, &model.FollowUp{
		LeadID: reCold.ID, Type: model.FollowUpColdLeadReengagement, Status: model.FollowUpSent,
		ScheduledFor: now.Add(-96 * time.Hour), Message: "hola",
	}))
	require.NoError(t, followUps.Create(ctx, &model.FollowUp{
		LeadID: reCold.ID, Type: model.FollowUpReengagement2, Status: model.FollowUpCancelled, Attempt: 2,
		ScheduledFor: now.Add(-36 * time.Hour), Message: "hola",
	}))

	// 本轮沉默内序列已经走完
	exhausted := createLead(t, leads, "+5215550000008")
	require.NoError(t, leads.TouchInbound(ctx, exhausted.ID, old))
	require.NoError(t, followUps.Create(ctx, &model.FollowUp{
		LeadID: exhausted.ID, Type: model.FollowUpReengagement3, Status: model.FollowUpSent, Attempt: 3,
		ScheduledFor: now.Add(-30 * time.Hour), Message: "hola",
	}))

	got, err := leads.ListColdLeads(ctx, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	ids := make([]int64, 0, len(got))
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []int64{cold.ID, reCold.ID}, ids)
}

func TestLeadRepository_OptOutFlags(t *testing.T) {
	ctx := context.Background()
	repo := NewLeadRepository(newTestDB(t))
	lead := createLead(t, repo, "+5215550000009")
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.SetFollowUpsStopped(ctx, lead.ID, &now))
	got, err := repo.Get(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FollowUpsStoppedAt)
	assert.False(t, got.OptedOut)

	require.NoError(t, repo.SetFollowUpsStopped(ctx, lead.ID, nil))
	got, err = repo.Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FollowUpsStoppedAt)

	require.NoError(t, repo.SetOptedOut(ctx, lead.ID, "explicit_opt_out", now))
	require.NoError(t, repo.SetFollowUpsStopped(ctx, lead.ID, &now))
	require.NoError(t, repo.ClearOptOut(ctx, lead.ID))
	got, err = repo.Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.False(t, got.OptedOut)
	assert.Nil(t, got.OptedOutAt)
	assert.Empty(t, got.OptOutReason)
	assert.Nil(t, got.FollowUpsStoppedAt)

	assert.ErrorIs(t, repo.ClearOptOut(ctx, 999), errors.ErrLeadNotFound)
}

func TestFollowUpRepository_DueItemsAndTransitions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550003333")
	repo := NewFollowUpRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	due := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpLater, ScheduledFor: now.Add(-time.Minute), Message: "a"}
	future := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpPostDemo, ScheduledFor: now.Add(time.Hour), Message: "b"}
	require.NoError(t, repo.Create(ctx, due))
	require.NoError(t, repo.Create(ctx, future))
	assert.Equal(t, model.FollowUpPending, due.Status)
	assert.Equal(t, 1, due.Attempt)

	items, err := repo.DueItems(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, due.ID, items[0].ID)

	ok, err := repo.MarkSent(ctx, due.ID, now, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// 终态不可再改
	ok, err = repo.MarkFailed(ctx, due.ID, "late")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.Reschedule(ctx, due.ID, now.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpSent, got.Status)
	require.NotNil(t, got.SentAt)

	sent, err := repo.HasSentSince(ctx, lead.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = repo.HasSentSince(ctx, lead.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, sent)

	_, err = repo.Get(ctx, 424242)
	assert.ErrorIs(t, err, errors.ErrFollowUpNotFound)
}

func TestFollowUpRepository_SkippedSendHasNoSentAt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550004444")
	repo := NewFollowUpRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	f := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpReengagement2, ScheduledFor: now, Message: "x"}
	require.NoError(t, repo.Create(ctx, f))

	ok, err := repo.MarkSent(ctx, f.ID, time.Time{}, datatypes.JSONMap{"skipped": "won"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SentAt)
	assert.Equal(t, "won", got.Metadata["skipped"])

	sent, err := repo.HasSentSince(ctx, lead.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestFollowUpRepository_BulkTransitions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550005555")
	repo := NewFollowUpRepository(db)
	now := time.Now().UTC().Truncate(time.Second)

	apptID := int64(77)
	reminder := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpDemoReminder1h, ScheduledFor: now, Message: "r", AppointmentID: &apptID}
	later := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpLater, ScheduledFor: now, Message: "l"}
	reengage := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpColdLeadReengagement, ScheduledFor: now, Message: "c"}
	for _, f := range []*model.FollowUp{reminder, later, reengage} {
		require.NoError(t, repo.Create(ctx, f))
	}

	n, err := repo.CancelPending(ctx, lead.ID, []model.FollowUpType{model.FollowUpLater}, "superseded")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.CancelPendingForAppointment(ctx, apptID, "appointment_changed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.MarkPendingOptedOut(ctx, lead.ID, "explicit_opt_out")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	items, err := repo.ListByLead(ctx, lead.ID)
	require.NoError(t, err)
	status := map[model.FollowUpType]model.FollowUpStatus{}
	reasons := map[model.FollowUpType]string{}
	for _, it := range items {
		status[it.Type] = it.Status
		reasons[it.Type] = it.StatusReason
	}
	assert.Equal(t, model.FollowUpCancelled, status[model.FollowUpLater])
	assert.Equal(t, "superseded", reasons[model.FollowUpLater])
	assert.Equal(t, model.FollowUpCancelled, status[model.FollowUpDemoReminder1h])
	assert.Equal(t, "appointment_changed", reasons[model.FollowUpDemoReminder1h])
	assert.Equal(t, model.FollowUpOptedOut, status[model.FollowUpColdLeadReengagement])
}

func TestFollowUpRepository_MarkPendingOptedOutByType(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550007777")
	repo := NewFollowUpRepository(db)
	now := time.Now().UTC().Truncate(time.Second)

	reminder := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpDemoReminder24h, ScheduledFor: now, Message: "r"}
	later := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpLater, ScheduledFor: now, Message: "l"}
	for _, f := range []*model.FollowUp{reminder, later} {
		require.NoError(t, repo.Create(ctx, f))
	}

	n, err := repo.MarkPendingOptedOut(ctx, lead.ID, "cold_pattern", model.NurtureTypes()...)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.Get(ctx, reminder.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpPending, got.Status)
	got, err = repo.Get(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpOptedOut, got.Status)
	assert.Equal(t, "cold_pattern", got.StatusReason)
}

func TestFollowUpRepository_Reschedule(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550006666")
	repo := NewFollowUpRepository(db)
	now := time.Now().UTC().Truncate(time.Second)

	f := &model.FollowUp{LeadID: lead.ID, Type: model.FollowUpLater, ScheduledFor: now, Message: "l"}
	require.NoError(t, repo.Create(ctx, f))

	ok, err := repo.Reschedule(ctx, f.ID, now.Add(24*time.Hour), datatypes.JSONMap{"reschedule_count": 1})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FollowUpPending, got.Status)
	assert.True(t, got.ScheduledFor.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, 1, got.RescheduleCount())
}

func TestAppointmentRepository(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550007777")
	repo := NewAppointmentRepository(db)

	appt := &model.Appointment{LeadID: lead.ID, StartsAt: time.Now().Add(48 * time.Hour), EventID: "evt_1"}
	require.NoError(t, repo.Create(ctx, appt))
	assert.Equal(t, model.AppointmentScheduled, appt.Status)

	require.NoError(t, repo.UpdateStatus(ctx, appt.ID, model.AppointmentCompleted))
	got, err := repo.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentCompleted, got.Status)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, 1, model.AppointmentCompleted), errors.ErrAppointmentNotFound)
	_, err = repo.Get(ctx, 1)
	assert.ErrorIs(t, err, errors.ErrAppointmentNotFound)
}

func TestConversationRepository_RecentOrdering(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	lead := createLead(t, NewLeadRepository(db), "+5215550008888")
	repo := NewConversationRepository(db)

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	turns := []struct {
		dir  model.Direction
		text string
	}{
		{model.DirectionInbound, "uno"},
		{model.DirectionOutbound, "respuesta"},
		{model.DirectionInbound, "dos"},
		{model.DirectionInbound, "tres"},
	}
	for i, tr := range turns {
		require.NoError(t, repo.Append(ctx, &model.ConversationMessage{
			LeadID: lead.ID, Direction: tr.dir, Content: tr.text, SentAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := repo.Recent(ctx, lead.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "respuesta", recent[0].Content)
	assert.Equal(t, "tres", recent[2].Content)

	inbound, err := repo.RecentInbound(ctx, lead.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"dos", "tres"}, inbound)
}
