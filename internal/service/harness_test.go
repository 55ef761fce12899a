package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"SalesAgent/internal/cache"
	"SalesAgent/internal/model"
	"SalesAgent/internal/repository"
	"SalesAgent/pkg/ai"
	"SalesAgent/pkg/alert"
	"SalesAgent/pkg/calendar"
	"SalesAgent/pkg/payment"
	"SalesAgent/pkg/snowflake"
	"SalesAgent/pkg/whatsapp"
	"SalesAgent/storage/database"
)

type fakeResponder struct {
	mu    sync.Mutex
	reply *ai.Reply
	err   error
	texts []string
	ctxs  []ai.Context
	// block 非空时 Respond 会等待，用于并发去重测试
	block chan struct{}
}

func (f *fakeResponder) Respond(ctx context.Context, text string, c ai.Context) (*ai.Reply, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.ctxs = append(f.ctxs, c)
	if f.err != nil {
		return nil, f.err
	}
	r := *f.reply
	return &r, nil
}

func (f *fakeResponder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeCalendar struct {
	mu       sync.Mutex
	slots    []calendar.Slot
	result   calendar.EventResult
	err      error
	requests []calendar.EventRequest
	offsets  []int
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, req calendar.EventRequest) (calendar.EventResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeCalendar) AvailableSlots(ctx context.Context, from time.Time, offset, count int) ([]calendar.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if offset >= len(f.slots) {
		return nil, nil
	}
	end := min(offset+count, len(f.slots))
	return f.slots[offset:end], nil
}

type fakePayments struct {
	session  *payment.CheckoutSession
	err      error
	requests []payment.CheckoutRequest
}

func (f *fakePayments) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

// syncDispatcher 同步执行后台任务，便于断言
type syncDispatcher struct {
	mu      sync.Mutex
	handler TaskHandler
	tasks   []model.BackgroundTask
	errs    []error
}

func (d *syncDispatcher) Submit(ctx context.Context, task model.BackgroundTask) error {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()

	if d.handler == nil {
		return nil
	}
	err := d.handler.HandleTask(ctx, task)
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
	return nil
}

func (d *syncDispatcher) kinds() []model.TaskKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.TaskKind, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.Kind)
	}
	return out
}

type harness struct {
	db            *gorm.DB
	mr            *miniredis.Miniredis
	leads         repository.LeadRepository
	followUps     repository.FollowUpRepository
	appointments  repository.AppointmentRepository
	conversations repository.ConversationRepository

	scheduler  *FollowUpScheduler
	tasks      *TaskRunner
	dispatcher *syncDispatcher
	sender     *whatsapp.MockSender
	responder  *fakeResponder
	calendar   *fakeCalendar
	payments   *fakePayments
	alerts     *alert.Recorder
	interrupts *cache.InterruptStore
	resolver   *InterruptResolver
	svc        *ConversationService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, snowflake.Init(1, 1))

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := newTestDB(t)
	h := &harness{
		db:            db,
		mr:            mr,
		leads:         repository.NewLeadRepository(db),
		followUps:     repository.NewFollowUpRepository(db),
		appointments:  repository.NewAppointmentRepository(db),
		conversations: repository.NewConversationRepository(db),
		sender:        whatsapp.NewMockSender(),
		responder:     &fakeResponder{reply: &ai.Reply{Response: "Claro, te cuento más.", TokensUsed: 42}},
		calendar:      &fakeCalendar{result: calendar.EventResult{Success: true, EventID: "evt_1", MeetingURL: "https://meet.example.com/abc"}},
		payments:      &fakePayments{session: &payment.CheckoutSession{SessionID: "cs_1", ShortURL: "https://pay.example.com/x"}},
		alerts:        &alert.Recorder{},
		interrupts:    cache.NewInterruptStore(rdb),
	}

	h.scheduler = NewFollowUpScheduler(h.followUps, h.leads, NewComposer(time.UTC))
	h.tasks = NewTaskRunner(h.leads, h.followUps, h.appointments, h.conversations, h.scheduler)
	h.dispatcher = &syncDispatcher{handler: h.tasks}

	h.resolver = NewInterruptResolver(InterruptDeps{
		Interrupts:    h.interrupts,
		Calendar:      h.calendar,
		Payments:      h.payments,
		Channel:       h.sender,
		Leads:         h.leads,
		Appointments:  h.appointments,
		Conversations: h.conversations,
		Dispatcher:    h.dispatcher,
		Alerts:        h.alerts,
		Location:      time.UTC,
	})

	h.svc = NewConversationService(ConversationDeps{
		Dedup:         cache.NewDeduplicator(rdb, time.Minute),
		Limiter:       cache.NewInboundLimiter(rdb, time.Minute, 5),
		Scheduler:     h.scheduler,
		Resolver:      h.resolver,
		Responder:     h.responder,
		Channel:       h.sender,
		Leads:         h.leads,
		Conversations: h.conversations,
		Dispatcher:    h.dispatcher,
		Alerts:        h.alerts,
		TestPhones:    []string{"+5215559999999"},
	})
	return h
}

func (h *harness) lead(t *testing.T, phone string, mutate ...func(*model.Lead)) *model.Lead {
	t.Helper()
	lead := &model.Lead{Phone: phone, Name: "Ana", BusinessName: "Dental Sonrisa", Industry: "dental", Stage: model.StageNew}
	for _, m := range mutate {
		m(lead)
	}
	require.NoError(t, h.leads.Create(context.Background(), lead))
	return lead
}

func (h *harness) reload(t *testing.T, id int64) *model.Lead {
	t.Helper()
	lead, err := h.leads.Get(context.Background(), id)
	require.NoError(t, err)
	return lead
}

func (h *harness) followUpsOf(t *testing.T, leadID int64) map[model.FollowUpType]model.FollowUp {
	t.Helper()
	items, err := h.followUps.ListByLead(context.Background(), leadID)
	require.NoError(t, err)
	out := make(map[model.FollowUpType]model.FollowUp, len(items))
	for _, it := range items {
		out[it.Type] = it
	}
	return out
}

func (h *harness) history(t *testing.T, leadID int64) []model.ConversationMessage {
	t.Helper()
	msgs, err := h.conversations.Recent(context.Background(), leadID, 100)
	require.NoError(t, err)
	return msgs
}

func textMsg(phone, text string) model.InboundMessage {
	return model.InboundMessage{
		MessageID: "wamid." + uuid.NewString(),
		Phone:     phone,
		Name:      "Ana",
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func interactiveMsg(phone, id, title string) model.InboundMessage {
	return model.InboundMessage{
		MessageID:        "wamid." + uuid.NewString(),
		Phone:            phone,
		InteractiveID:    id,
		InteractiveTitle: title,
		Timestamp:        time.Now().UTC(),
	}
}
