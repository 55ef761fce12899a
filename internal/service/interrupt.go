package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"SalesAgent/internal/cache"
	"SalesAgent/internal/model"
	"SalesAgent/internal/repository"
	"SalesAgent/pkg/alert"
	"SalesAgent/pkg/calendar"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/payment"
	"SalesAgent/pkg/whatsapp"
	"SalesAgent/utils"
)

// 交互流程标记，记录在对话历史并作为 webhook 状态返回
const (
	FlowSlotSelected     = "slot_selected"
	FlowSlotsListed      = "slots_listed"
	FlowSlotChange       = "slot_change"
	FlowBookingConfirmed = "booking_confirmed"
	FlowBookingFailed    = "booking_failed"
	FlowPlanSelected     = "plan_selected"
	FlowPaymentLink      = "payment_link"
	FlowPaymentFailed    = "payment_failed"
)

const (
	ChangeTimeID    = "change_time"
	DefaultPageSize = 5
)

var otherOptionsKeywords = []string{
	"other times",
	"other time",
	"another time",
	"other options",
	"more options",
	"different time",
	"otro horario",
	"otros horarios",
	"otra hora",
	"otro día",
	"otro dia",
	"más opciones",
	"mas opciones",
	"otras opciones",
}

func wantsOtherOptions(text string) bool {
	t := normalize(text)
	for _, k := range otherOptionsKeywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

type InterruptResult struct {
	Handled bool
	Flow    string
}

type InterruptDeps struct {
	Interrupts    *cache.InterruptStore
	Calendar      calendar.Client
	Payments      payment.Client
	Channel       Channel
	Leads         repository.LeadRepository
	Appointments  repository.AppointmentRepository
	Conversations repository.ConversationRepository
	Dispatcher    Dispatcher
	Alerts        alert.Notifier
	Location      *time.Location
	PageSize      int
	SlotDuration  time.Duration
}

// InterruptResolver 在交给 AI 之前按固定顺序匹配结构化回复；
// 同时挂着时段与套餐追问时，时段优先
type InterruptResolver struct {
	InterruptDeps
	now func() time.Time
}

func NewInterruptResolver(d InterruptDeps) *InterruptResolver {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.PageSize <= 0 {
		d.PageSize = DefaultPageSize
	}
	if d.SlotDuration <= 0 {
		d.SlotDuration = 30 * time.Minute
	}
	if d.Alerts == nil {
		d.Alerts = alert.LogNotifier{}
	}
	return &InterruptResolver{InterruptDeps: d, now: time.Now}
}

func (r *InterruptResolver) Resolve(ctx context.Context, lead *model.Lead, msg model.InboundMessage) (InterruptResult, error) {
	id := msg.InteractiveID
	body := msg.Body()

	// 1. 时段列表的结构化回复
	if start, ok := calendar.ParseSlotID(id); ok {
		return r.selectSlot(ctx, lead, msg.Phone, start)
	}
	if offset, ok := calendar.ParseMoreSlotsID(id, r.PageSize); ok {
		return r.listSlots(ctx, lead, msg.Phone, offset, FlowSlotsListed)
	}

	// 2. 自由文本要求其他时间
	if id == "" && wantsOtherOptions(body) {
		return r.listSlots(ctx, lead, msg.Phone, 0, FlowSlotsListed)
	}

	// 3. 更换时间按钮
	if id == ChangeTimeID {
		if err := r.Interrupts.Clear(ctx, msg.Phone, model.InterruptSlot); err != nil {
			logger.Logger.Warn("Failed to clear slot interrupt", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
		return r.listSlots(ctx, lead, msg.Phone, 0, FlowSlotChange)
	}

	email, hasEmail := utils.ExtractEmail(body)

	// 4. 挂着时段时收到邮箱 -> 预约
	if hasEmail {
		if p := r.pending(ctx, lead, msg.Phone, model.InterruptSlot); p != nil {
			return r.book(ctx, lead, msg.Phone, email, p)
		}
	}

	// 5. 套餐列表的结构化回复
	if planID, ok := payment.ParsePlanID(id); ok {
		return r.selectPlan(ctx, lead, msg.Phone, planID, msg.InteractiveTitle)
	}

	// 6. 挂着套餐时收到邮箱 -> 支付链接
	if hasEmail {
		if p := r.pending(ctx, lead, msg.Phone, model.InterruptPlan); p != nil {
			return r.checkout(ctx, lead, msg.Phone, email, p)
		}
	}

	return InterruptResult{}, nil
}

// pending redis 读失败按“没有追问”处理，消息会落到 AI
func (r *InterruptResolver) pending(ctx context.Context, lead *model.Lead, phone string, kind model.InterruptKind) *model.PendingInterrupt {
	p, err := r.Interrupts.Get(ctx, phone, kind)
	if err != nil {
		logger.Logger.Warn("Failed to read pending interrupt",
			zap.Int64("lead_id", lead.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil
	}
	return p
}

func (r *InterruptResolver) respond(ctx context.Context, lead *model.Lead, phone, text, flow string) (InterruptResult, error) {
	if err := r.Channel.Send(ctx, phone, text); err != nil {
		logger.Logger.Error("Failed to send interrupt reply",
			zap.Int64("lead_id", lead.ID),
			zap.String("flow", flow),
			zap.Error(err),
		)
	}
	recordOutbound(ctx, r.Conversations, lead.ID, text, flow, 0)
	return InterruptResult{Handled: true, Flow: flow}, nil
}

func (r *InterruptResolver) selectSlot(ctx context.Context, lead *model.Lead, phone string, start time.Time) (InterruptResult, error) {
	if !start.After(r.now()) {
		return r.listSlots(ctx, lead, phone, 0, FlowSlotsListed)
	}

	display := calendar.FormatSlot(start, r.Location)
	err := r.Interrupts.Set(ctx, phone, model.PendingInterrupt{
		Kind:      model.InterruptSlot,
		Value:     strconv.FormatInt(start.Unix(), 10),
		Display:   display,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return InterruptResult{}, fmt.Errorf("store slot interrupt: %w", err)
	}

	text := fmt.Sprintf("Great, %s it is! What email should I send the calendar invite to?", display)
	return r.respond(ctx, lead, phone, text, FlowSlotSelected)
}

func (r *InterruptResolver) listSlots(ctx context.Context, lead *model.Lead, phone string, offset int, flow string) (InterruptResult, error) {
	slots, err := r.Calendar.AvailableSlots(ctx, r.now(), offset, r.PageSize)
	if err != nil {
		return InterruptResult{}, fmt.Errorf("list available slots: %w", err)
	}
	if len(slots) == 0 {
		return r.respond(ctx, lead, phone,
			"I don't have more open times in the next few weeks. Tell me a day that suits you and I'll check with the team.", flow)
	}

	list := whatsapp.List{
		Title:  "Demo times",
		Body:   "Pick a time for your 30-minute demo:",
		Button: "See times",
	}
	for _, s := range slots {
		list.Rows = append(list.Rows, whatsapp.ListRow{ID: s.ID(), Title: s.Display(r.Location)})
	}
	if len(slots) == r.PageSize {
		list.Rows = append(list.Rows, whatsapp.ListRow{
			ID:          calendar.MoreSlotsIDFor(offset + r.PageSize),
			Title:       "More times",
			Description: "Show the next options",
		})
	}

	if err := sendList(ctx, r.Channel, phone, list); err != nil {
		logger.Logger.Error("Failed to send slot list", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
	recordOutbound(ctx, r.Conversations, lead.ID, list.AsText(), flow, 0)
	return InterruptResult{Handled: true, Flow: flow}, nil
}

func (r *InterruptResolver) book(ctx context.Context, lead *model.Lead, phone, email string, p *model.PendingInterrupt) (InterruptResult, error) {
	unix, err := strconv.ParseInt(p.Value, 10, 64)
	if err != nil {
		_ = r.Interrupts.Clear(ctx, phone, model.InterruptSlot)
		return r.listSlots(ctx, lead, phone, 0, FlowSlotsListed)
	}
	start := time.Unix(unix, 0).UTC()

	res, err := r.Calendar.CreateEvent(ctx, calendar.EventRequest{
		Summary:       "Demo: " + businessOr(LeadContextFrom(lead), lead.Phone),
		Description:   "Booked over WhatsApp",
		Start:         start,
		Duration:      r.SlotDuration,
		AttendeeEmail: email,
		AttendeeName:  lead.Name,
		Phone:         lead.Phone,
	})
	if err != nil || !res.Success {
		reason := res.Error
		if err != nil {
			reason = err.Error()
		}
		logger.Logger.Error("Booking failed",
			zap.Int64("lead_id", lead.ID),
			zap.Time("start", start),
			zap.String("reason", reason),
		)
		notifyAsync(r.Alerts, "Booking failed",
			fmt.Sprintf("lead %d (%s) could not be booked for %s: %s", lead.ID, lead.Phone, p.Display, reason))
		return r.respond(ctx, lead, phone,
			"Sorry, I couldn't book that time. Someone from our team will confirm with you shortly, or you can pick another time.",
			FlowBookingFailed)
	}

	appt := &model.Appointment{
		LeadID:     lead.ID,
		EventID:    res.EventID,
		MeetingURL: res.MeetingURL,
		StartsAt:   start,
		Email:      email,
		Status:     model.AppointmentScheduled,
	}
	if err := r.Appointments.Create(ctx, appt); err != nil {
		// 日历事件已建好，用户侧照常确认，人工补录
		logger.Logger.Error("Failed to persist appointment", zap.Int64("lead_id", lead.ID), zap.Error(err))
		notifyAsync(r.Alerts, "Appointment not persisted",
			fmt.Sprintf("lead %d event %s at %s: %v", lead.ID, res.EventID, start.Format(time.RFC3339), err))
	}
	if err := r.Leads.UpdateStage(ctx, lead.ID, model.StageDemoScheduled); err != nil {
		logger.Logger.Warn("Failed to update lead stage", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
	if err := r.Leads.UpdateEmail(ctx, lead.ID, email); err != nil {
		logger.Logger.Warn("Failed to update lead email", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
	if err := r.Interrupts.Clear(ctx, phone, model.InterruptSlot); err != nil {
		logger.Logger.Warn("Failed to clear slot interrupt", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
	lead.Stage = model.StageDemoScheduled

	text := fmt.Sprintf("You're booked for %s! I sent the invite to %s.", p.Display, email)
	if res.MeetingURL != "" {
		text += " Meeting link: " + res.MeetingURL
	}
	result, err := r.respond(ctx, lead, phone, text, FlowBookingConfirmed)

	if appt.ID != 0 {
		submitTask(ctx, r.Dispatcher, model.TaskAppointmentBooked, lead.ID, map[string]any{
			"appointment_id": strconv.FormatInt(appt.ID, 10),
		})
	}
	return result, err
}

func (r *InterruptResolver) selectPlan(ctx context.Context, lead *model.Lead, phone, planID, title string) (InterruptResult, error) {
	display := strings.TrimSpace(title)
	if display == "" {
		display = planID
	}
	err := r.Interrupts.Set(ctx, phone, model.PendingInterrupt{
		Kind:      model.InterruptPlan,
		Value:     planID,
		Display:   display,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return InterruptResult{}, fmt.Errorf("store plan interrupt: %w", err)
	}

	text := fmt.Sprintf("Great choice: %s. What email should we use for your account?", display)
	return r.respond(ctx, lead, phone, text, FlowPlanSelected)
}

func (r *InterruptResolver) checkout(ctx context.Context, lead *model.Lead, phone, email string, p *model.PendingInterrupt) (InterruptResult, error) {
	sess, err := r.Payments.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		LeadID: lead.ID,
		PlanID: p.Value,
		Email:  email,
		Phone:  phone,
	})
	if err != nil {
		logger.Logger.Error("Checkout session failed",
			zap.Int64("lead_id", lead.ID),
			zap.String("plan", p.Value),
			zap.Error(err),
		)
		notifyAsync(r.Alerts, "Payment link failed",
			fmt.Sprintf("lead %d (%s) plan %s: %v", lead.ID, lead.Phone, p.Value, err))
		return r.respond(ctx, lead, phone,
			"Sorry, I couldn't generate the payment link right now. Someone from our team will send it to you shortly.",
			FlowPaymentFailed)
	}

	if err := r.Interrupts.Clear(ctx, phone, model.InterruptPlan); err != nil {
		logger.Logger.Warn("Failed to clear plan interrupt", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
	if err := r.Leads.UpdateEmail(ctx, lead.ID, email); err != nil {
		logger.Logger.Warn("Failed to update lead email", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}

	text := fmt.Sprintf("Here is your secure payment link for %s: %s", p.Display, sess.ShortURL)
	return r.respond(ctx, lead, phone, text, FlowPaymentLink)
}
