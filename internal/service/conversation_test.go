package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/ai"
)

const phone = "+5215550001111"

// byDirection 异步记录的轮次精度到毫秒，不按顺序断言
func byDirection(msgs []model.ConversationMessage) map[model.Direction][]model.ConversationMessage {
	out := make(map[model.Direction][]model.ConversationMessage)
	for _, m := range msgs {
		out[m.Direction] = append(out[m.Direction], m)
	}
	return out
}

func TestHandleInbound_AIReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status := h.svc.HandleInbound(ctx, textMsg(phone, "Hola, ¿cuánto cuesta?"))
	assert.Equal(t, model.InboundOK, status)

	assert.Equal(t, []string{"Claro, te cuento más."}, h.sender.TextsTo(phone))
	require.Equal(t, 1, h.responder.calls())
	assert.Equal(t, "Hola, ¿cuánto cuesta?", h.responder.texts[0])
	// 当前消息不重复出现在历史里
	assert.Empty(t, h.responder.ctxs[0].History)

	lead, err := h.leads.GetByPhone(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, model.StageEngaged, lead.Stage)
	assert.NotNil(t, lead.LastInboundAt)

	msgs := h.history(t, lead.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, model.DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, FlowAI, msgs[1].Flow)
	assert.Equal(t, 42, msgs[1].TokensUsed)
}

func TestHandleInbound_HistoryPassedToResponder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "hola")))
	require.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "tengo una clínica")))

	require.Equal(t, 2, h.responder.calls())
	hist := h.responder.ctxs[1].History
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Inbound)
	assert.Equal(t, "hola", hist[0].Content)
	assert.False(t, hist[1].Inbound)
}

func TestHandleInbound_ReplySideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.responder.reply = &ai.Reply{
		Response:         "Perfecto, te escribo luego.",
		DetectedIndustry: "restaurant",
		SaidLater:        true,
		Topic:            "reservations bot",
	}

	status := h.svc.HandleInbound(ctx, textMsg(phone, "tengo un restaurante, háblame luego"))
	assert.Equal(t, model.InboundOK, status)
	assert.ElementsMatch(t, []model.TaskKind{model.TaskUpdateIndustry, model.TaskScheduleLater}, h.dispatcher.kinds())

	lead, err := h.leads.GetByPhone(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, "restaurant", lead.Industry)
	assert.Equal(t, "reservations bot", lead.LastTopic)

	later, ok := h.followUpsOf(t, lead.ID)[model.FollowUpLater]
	require.True(t, ok)
	assert.Equal(t, model.FollowUpPending, later.Status)
	assert.WithinDuration(t, time.Now().Add(LaterAfter), later.ScheduledFor, time.Minute)
}

func TestHandleInbound_DuplicateSuppressedConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.responder.block = make(chan struct{})

	msg := textMsg(phone, "hola")
	results := make(chan string, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.svc.HandleInbound(ctx, msg)
		}()
	}

	// 持锁的一方卡在 AI 调用，另一方立刻返回 duplicate
	assert.Equal(t, model.InboundDuplicate, <-results)
	close(h.responder.block)
	wg.Wait()
	assert.Equal(t, model.InboundOK, <-results)

	assert.Equal(t, 1, h.responder.calls())
	lead, err := h.leads.GetByPhone(ctx, phone)
	require.NoError(t, err)
	inbound, err := h.conversations.RecentInbound(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Len(t, inbound, 1)

	// 处理完成后的重投同样被挡住
	assert.Equal(t, model.InboundDuplicate, h.svc.HandleInbound(ctx, msg))
	assert.Equal(t, 1, h.responder.calls())
}

func TestHandleInbound_ExplicitOptOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })

	_, err := h.scheduler.ScheduleReengagement(ctx, lead, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)

	status := h.svc.HandleInbound(ctx, textMsg(phone, "STOP"))
	assert.Equal(t, model.InboundOptedOut, status)
	assert.Zero(t, h.responder.calls())

	got := h.reload(t, lead.ID)
	assert.True(t, got.OptedOut)
	assert.Equal(t, ReasonExplicitOptOut, got.OptOutReason)

	item := h.followUpsOf(t, lead.ID)[model.FollowUpReengagement2]
	assert.Equal(t, model.FollowUpOptedOut, item.Status)

	// 确认消息经后台任务写入历史
	assert.Equal(t, []string{optOutText}, h.sender.TextsTo(phone))
	msgs := byDirection(h.history(t, lead.ID))
	require.Len(t, msgs[model.DirectionInbound], 1)
	require.Len(t, msgs[model.DirectionOutbound], 1)
	assert.Equal(t, FlowOptOut, msgs[model.DirectionInbound][0].Flow)
	assert.Equal(t, FlowOptOut, msgs[model.DirectionOutbound][0].Flow)

	// 之后的消息只记录，不再回复
	status = h.svc.HandleInbound(ctx, textMsg(phone, "hola de nuevo"))
	assert.Equal(t, model.InboundOptedOut, status)
	assert.Len(t, h.sender.TextsTo(phone), 1)
	assert.Zero(t, h.responder.calls())
}

func TestHandleInbound_ColdPatternStopsFollowUpsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })

	require.NoError(t, h.conversations.Append(ctx, &model.ConversationMessage{
		LeadID: lead.ID, Direction: model.DirectionInbound, Content: "ok",
		SentAt: time.Now().Add(-time.Hour),
	}))
	_, err := h.scheduler.ScheduleReengagement(ctx, lead, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)

	status := h.svc.HandleInbound(ctx, textMsg(phone, "👍"))
	assert.Equal(t, model.InboundOK, status)
	assert.Equal(t, 1, h.responder.calls())

	// 线索本身没有退订，只停了培育类跟进
	got := h.reload(t, lead.ID)
	assert.False(t, got.OptedOut)
	assert.Empty(t, got.OptOutReason)
	require.NotNil(t, got.FollowUpsStoppedAt)
	item := h.followUpsOf(t, lead.ID)[model.FollowUpColdLeadReengagement]
	assert.Equal(t, model.FollowUpOptedOut, item.Status)
	assert.Equal(t, ReasonColdPattern, item.StatusReason)

	id, err := h.scheduler.ScheduleLater(ctx, got)
	require.NoError(t, err)
	assert.Zero(t, id)

	// 对话继续；窗口里仍有两条冷淡回复，保持停发
	status = h.svc.HandleInbound(ctx, textMsg(phone, "¿y cuánto cuesta?"))
	assert.Equal(t, model.InboundOK, status)
	assert.Equal(t, 2, h.responder.calls())
	assert.NotNil(t, h.reload(t, lead.ID).FollowUpsStoppedAt)

	// 冷淡回复移出窗口后恢复
	status = h.svc.HandleInbound(ctx, textMsg(phone, "¿tienen una demo esta semana?"))
	assert.Equal(t, model.InboundOK, status)
	got = h.reload(t, lead.ID)
	assert.Nil(t, got.FollowUpsStoppedAt)
	assert.True(t, h.scheduler.ShouldReengage(got, 1))
}

func TestHandleInbound_ColdPatternThenBookingKeepsReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })
	slot := futureSlots(1)[0]

	assert.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "ok")))
	assert.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "👍")))
	require.NotNil(t, h.reload(t, lead.ID).FollowUpsStoppedAt)

	require.Equal(t, FlowSlotSelected, h.svc.HandleInbound(ctx, interactiveMsg(phone, slot.ID(), slot.Display(time.UTC))))
	require.Equal(t, FlowBookingConfirmed, h.svc.HandleInbound(ctx, textMsg(phone, "ana@example.com")))

	got := h.reload(t, lead.ID)
	assert.False(t, got.OptedOut)
	assert.Equal(t, model.StageDemoScheduled, got.Stage)

	items := h.followUpsOf(t, lead.ID)
	for _, typ := range []model.FollowUpType{model.FollowUpDemoReminder24h, model.FollowUpDemoReminder1h} {
		f, ok := items[typ]
		require.True(t, ok, string(typ))
		assert.Equal(t, model.FollowUpPending, f.Status, string(typ))
	}
}

func TestHandleInbound_OptInAfterOptOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageEngaged })

	require.Equal(t, model.InboundOptedOut, h.svc.HandleInbound(ctx, textMsg(phone, "stop")))
	assert.Contains(t, optOutText, "START")

	// 普通消息不会恢复
	assert.Equal(t, model.InboundOptedOut, h.svc.HandleInbound(ctx, textMsg(phone, "let's start next week")))
	assert.True(t, h.reload(t, lead.ID).OptedOut)

	status := h.svc.HandleInbound(ctx, textMsg(phone, "START"))
	assert.Equal(t, model.InboundOptedIn, status)
	assert.Zero(t, h.responder.calls())

	got := h.reload(t, lead.ID)
	assert.False(t, got.OptedOut)
	assert.Nil(t, got.OptedOutAt)
	assert.Empty(t, got.OptOutReason)
	assert.Equal(t, []string{optOutText, optInText}, h.sender.TextsTo(phone))

	flows := map[string]int{}
	for _, m := range byDirection(h.history(t, lead.ID))[model.DirectionInbound] {
		flows[m.Flow]++
	}
	assert.Equal(t, map[string]int{FlowOptOut: 2, FlowOptIn: 1}, flows)

	// 恢复后正常对话，也能重新排跟进
	assert.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "¿cuánto cuesta?")))
	assert.Equal(t, 1, h.responder.calls())
	id, err := h.scheduler.ScheduleLater(ctx, h.reload(t, lead.ID))
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestHandleInbound_SingleColdReplyDoesNotStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "ok")))
	lead, err := h.leads.GetByPhone(ctx, phone)
	require.NoError(t, err)
	assert.False(t, lead.OptedOut)
}

func TestHandleInbound_InteractiveSkipsClassification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status := h.svc.HandleInbound(ctx, interactiveMsg(phone, "btn_no", "No"))
	assert.Equal(t, model.InboundOK, status)

	lead, err := h.leads.GetByPhone(ctx, phone)
	require.NoError(t, err)
	assert.False(t, lead.OptedOut)
	assert.Equal(t, []string{"No"}, h.responder.texts)
}

func TestHandleInbound_ResponderFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.responder.err = stderrors.New("upstream 500: secret provider detail")

	status := h.svc.HandleInbound(ctx, textMsg(phone, "hola"))
	assert.Equal(t, model.InboundAgentError, status)

	texts := h.sender.TextsTo(phone)
	require.Equal(t, []string{apologyText}, texts)
	assert.NotContains(t, texts[0], "secret")

	assert.Eventually(t, func() bool { return len(h.alerts.Snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "AI responder failed", h.alerts.Snapshot()[0].Subject)

	lead, err := h.leads.GetByPhone(ctx, phone)
	require.NoError(t, err)
	out := byDirection(h.history(t, lead.ID))[model.DirectionOutbound]
	require.Len(t, out, 1)
	assert.Equal(t, FlowApology, out[0].Flow)
}

func TestHandleInbound_SendFailure(t *testing.T) {
	h := newHarness(t)
	h.sender.FailAll = true

	status := h.svc.HandleInbound(context.Background(), textMsg(phone, "hola"))
	assert.Equal(t, model.InboundAgentError, status)
	assert.Eventually(t, func() bool { return len(h.alerts.Snapshot()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandleInbound_RateLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := range 5 {
		require.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "mensaje")), "message %d", i)
	}
	assert.Equal(t, model.InboundRateLimited, h.svc.HandleInbound(ctx, textMsg(phone, "mensaje")))

	// 测试号码不限流
	for range 7 {
		require.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg("+5215559999999", "mensaje")))
	}
}

func TestHandleInbound_Malformed(t *testing.T) {
	h := newHarness(t)
	status := h.svc.HandleInbound(context.Background(), model.InboundMessage{Text: "sin id"})
	assert.Equal(t, model.InboundOK, status)
	assert.Empty(t, h.sender.Snapshot())
	assert.Zero(t, h.responder.calls())
}

func TestHandleInbound_CancelsSupersededFollowUps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.lead(t, phone, func(l *model.Lead) { l.Stage = model.StageDemoScheduled })

	_, err := h.scheduler.ScheduleLater(ctx, lead)
	require.NoError(t, err)
	appt := &model.Appointment{LeadID: lead.ID, StartsAt: time.Now().Add(72 * time.Hour)}
	require.NoError(t, h.appointments.Create(ctx, appt))
	_, err = h.scheduler.ScheduleAppointmentReminders(ctx, lead, appt)
	require.NoError(t, err)

	require.Equal(t, model.InboundOK, h.svc.HandleInbound(ctx, textMsg(phone, "hola")))

	items := h.followUpsOf(t, lead.ID)
	assert.Equal(t, model.FollowUpCancelled, items[model.FollowUpLater].Status)
	assert.Equal(t, model.FollowUpPending, items[model.FollowUpDemoReminder24h].Status)
	assert.Equal(t, model.FollowUpPending, items[model.FollowUpDemoReminder1h].Status)
}
