package schedule

// 跟进投递：周期性扫描到期的 pending 记录并逐条发送

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"SalesAgent/internal/cache"
	"SalesAgent/internal/model"
	"SalesAgent/internal/repository"
	"SalesAgent/internal/service"
	"SalesAgent/pkg/alert"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/metrics"
	"SalesAgent/utils"
)

const (
	SweepLockKey       = "followup:sweep"
	defaultLookahead   = 5 * time.Minute
	defaultBatchSize   = 200
	defaultConcurrency = 10
	defaultLockTTL     = 10 * time.Minute
	maxReasonLength    = 64
)

// 单条记录的处理结果
const (
	outcomeSent         = "sent"
	outcomeFailed       = "failed"
	outcomeDeferred     = "deferred"
	outcomeOptedOut     = "opted_out"
	outcomeDisqualified = "disqualified"
	outcomeCancelled    = "cancelled"
	outcomeLost         = "lost" // 处理期间已被其他路径改为终态
	outcomeError        = "error"
)

type DeliveryConfig struct {
	Lookahead      time.Duration
	BatchSize      int
	Concurrency    int
	SendRPS        float64
	MaxReschedules int
	LockTTL        time.Duration
}

type DeliveryDeps struct {
	FollowUps     repository.FollowUpRepository
	Leads         repository.LeadRepository
	Conversations repository.ConversationRepository
	Classifier    service.OptOutClassifier
	Cadence       *service.CadenceLimiter
	Scheduler     *service.FollowUpScheduler
	Channel       service.Channel
	Dispatcher    service.Dispatcher
	Alerts        alert.Notifier
	// Locker 为 nil 时只依赖进程内互斥
	Locker *cache.Locker
}

// SweepSummary Skipped 表示整个扫描因已有扫描在跑而跳过
type SweepSummary struct {
	Processed    int
	Successful   int
	Failed       int
	Deferred     int
	OptedOut     int
	Disqualified int
	Cancelled    int
	Skipped      bool
	Duration     time.Duration
}

type DeliveryWorker struct {
	cfg     DeliveryConfig
	deps    DeliveryDeps
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	jobMu      sync.Mutex
	jobRunning bool
	lastRun    time.Time
}

func NewDeliveryWorker(cfg DeliveryConfig, deps DeliveryDeps) *DeliveryWorker {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.MaxReschedules <= 0 {
		cfg.MaxReschedules = 7
	}
	if deps.Classifier == nil {
		deps.Classifier = service.NewKeywordClassifier()
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.LogNotifier{}
	}

	limit := rate.Inf
	burst := 1
	if cfg.SendRPS > 0 {
		limit = rate.Limit(cfg.SendRPS)
		burst = max(1, int(cfg.SendRPS))
	}

	return &DeliveryWorker{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Logger,
		now:     time.Now,
	}
}

func (w *DeliveryWorker) tryStart() bool {
	w.jobMu.Lock()
	defer w.jobMu.Unlock()
	if w.jobRunning {
		return false
	}
	w.jobRunning = true
	w.lastRun = w.now()
	return true
}

func (w *DeliveryWorker) finish() {
	w.jobMu.Lock()
	w.jobRunning = false
	w.jobMu.Unlock()
}

// Sweep 只有初始查询失败才返回错误；单条失败不会中断整个扫描
func (w *DeliveryWorker) Sweep(ctx context.Context) (SweepSummary, error) {
	start := w.now()
	summary := SweepSummary{}

	if !w.tryStart() {
		w.logger.Info("Follow-up sweep already running, skipping")
		summary.Skipped = true
		metrics.RecordSweep(ctx, 0, true)
		return summary, nil
	}
	defer w.finish()

	if w.deps.Locker != nil {
		token, ok, err := w.deps.Locker.TryLock(ctx, SweepLockKey, w.cfg.LockTTL)
		switch {
		case err != nil:
			// redis 不可用时继续扫描，条件更新保证不会重复发送
			w.logger.Warn("Sweep lock unavailable, continuing without it", zap.Error(err))
		case !ok:
			w.logger.Info("Another replica holds the sweep lock, skipping")
			summary.Skipped = true
			metrics.RecordSweep(ctx, 0, true)
			return summary, nil
		default:
			defer func() {
				if err := w.deps.Locker.Unlock(context.WithoutCancel(ctx), SweepLockKey, token); err != nil {
					w.logger.Warn("Failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	items, err := w.deps.FollowUps.DueItems(ctx, start.Add(w.cfg.Lookahead), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("Failed to query due follow-ups", zap.Error(err))
		return summary, fmt.Errorf("query due follow-ups: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	// 同一线索的记录串行处理，频控检查和发送之间不会被同线索的另一条插入
	for _, batch := range groupByLead(items) {
		g.Go(func() error {
			for i := range batch {
				item := &batch[i]
				outcome := w.processItem(gctx, item)
				metrics.RecordSweepItem(gctx, outcome, string(item.Type))

				mu.Lock()
				summary.add(outcome)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = w.now().Sub(start)
	metrics.RecordSweep(ctx, summary.Duration.Seconds(), false)

	w.logger.Info("Follow-up sweep completed",
		zap.Int("processed", summary.Processed),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
		zap.Int("opted_out", summary.OptedOut),
		zap.Int("disqualified", summary.Disqualified),
		zap.Int("cancelled", summary.Cancelled),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (s *SweepSummary) add(outcome string) {
	s.Processed++
	switch outcome {
	case outcomeSent:
		s.Successful++
	case outcomeFailed, outcomeError:
		s.Failed++
	case outcomeDeferred:
		s.Deferred++
	case outcomeOptedOut:
		s.OptedOut++
	case outcomeDisqualified:
		s.Disqualified++
	case outcomeCancelled:
		s.Cancelled++
	}
}

func (w *DeliveryWorker) processItem(ctx context.Context, item *model.FollowUp) (outcome string) {
	log := w.logger.With(
		zap.Int64("follow_up_id", item.ID),
		zap.Int64("lead_id", item.LeadID),
		zap.String("type", string(item.Type)),
	)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Panic while delivering follow-up",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = outcomeError
		}
	}()

	// a. 线索不存在：数据异常
	lead, err := w.deps.Leads.Get(ctx, item.LeadID)
	if stderrors.Is(err, errors.ErrLeadNotFound) {
		log.Error("Lead not found for follow-up")
		w.notify("Follow-up references missing lead",
			fmt.Sprintf("follow-up %d (%s) references lead %d which does not exist", item.ID, item.Type, item.LeadID))
		return w.transitioned(log, outcomeFailed)(w.deps.FollowUps.MarkFailed(ctx, item.ID, "lead_not_found"))
	}
	if err != nil {
		// 查询失败保持 pending，下次扫描重试
		log.Error("Failed to load lead", zap.Error(err))
		return outcomeError
	}

	// b. 已退订
	if lead.OptedOut {
		reason := lead.OptOutReason
		if reason == "" {
			reason = "lead_opted_out"
		}
		return w.transitioned(log, outcomeOptedOut)(w.deps.FollowUps.MarkOptedOut(ctx, item.ID, reason))
	}

	// b'. 非时效类：已停发的直接结束，否则检查最近的冷淡模式。时效类提醒不受影响
	if !item.Type.IsTimeCritical() {
		if lead.FollowUpsStopped() {
			return w.transitioned(log, outcomeOptedOut)(w.deps.FollowUps.MarkOptedOut(ctx, item.ID, service.ReasonColdPattern))
		}
		recent, err := w.deps.Conversations.RecentInbound(ctx, lead.ID, 3)
		if err != nil {
			log.Warn("Failed to load recent inbound, skipping cold check", zap.Error(err))
		} else if d := w.deps.Classifier.ShouldStop("", recent); d.Stop {
			if err := w.deps.Scheduler.StopFollowUps(ctx, lead.ID, d.Reason); err != nil {
				log.Error("Failed to stop follow-ups for cold lead", zap.Error(err))
			}
			// 批量转移可能失败，单条再兜底一次
			if _, err := w.deps.FollowUps.MarkOptedOut(ctx, item.ID, d.Reason); err != nil {
				log.Error("Failed to mark follow-up opted out", zap.Error(err))
				return outcomeError
			}
			log.Info("Follow-up stopped by cold pattern")
			return outcomeOptedOut
		}
	}

	// c. 阶段已不适合再激活：标记为 sent 但不发送，不计入频控
	if item.Type.IsReengagement() && !w.deps.Scheduler.ShouldReengage(lead, item.Attempt) {
		meta := copyMetadata(item.Metadata)
		meta["skipped"] = string(lead.Stage)
		return w.transitioned(log, outcomeDisqualified)(w.deps.FollowUps.MarkSent(ctx, item.ID, time.Time{}, meta))
	}

	// d. 频控
	ok, err := w.deps.Cadence.CanSend(ctx, lead.ID, item.Type)
	if err != nil {
		log.Error("Cadence check failed", zap.Error(err))
		return outcomeError
	}
	if !ok {
		return w.defer24h(ctx, log, item)
	}

	// e. 发送
	if err := w.limiter.Wait(ctx); err != nil {
		log.Warn("Send throttle interrupted", zap.Error(err))
		return outcomeError
	}
	if err := w.deps.Channel.Send(ctx, lead.Phone, item.Message); err != nil {
		log.Error("Failed to send follow-up", zap.Error(err))
		return w.transitioned(log, outcomeFailed)(w.deps.FollowUps.MarkFailed(ctx, item.ID, truncate("send_failed: "+err.Error(), maxReasonLength)))
	}

	applied, err := w.deps.FollowUps.MarkSent(ctx, item.ID, w.now(), nil)
	if err != nil {
		// 已经发出，状态写失败只能告警
		log.Error("Follow-up sent but status update failed", zap.Error(err))
		w.notify("Follow-up status not persisted",
			fmt.Sprintf("follow-up %d was sent to lead %d but could not be marked sent: %v", item.ID, lead.ID, err))
		return outcomeSent
	}
	if !applied {
		log.Warn("Follow-up sent but row was no longer pending")
		return outcomeSent
	}

	task := service.NewTask(model.TaskFollowUpSent, lead.ID, map[string]any{
		"follow_up_id": strconv.FormatInt(item.ID, 10),
	})
	if w.deps.Dispatcher != nil {
		if err := w.deps.Dispatcher.Submit(ctx, task); err != nil {
			log.Error("Failed to submit followup_sent task", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}

	log.Info("Follow-up sent")
	return outcomeSent
}

// defer24h 频控延期一个窗口；超过次数上限后取消，永远不会变成 failed
func (w *DeliveryWorker) defer24h(ctx context.Context, log *zap.Logger, item *model.FollowUp) string {
	count := item.RescheduleCount()
	if count >= w.cfg.MaxReschedules {
		log.Warn("Follow-up exceeded reschedule limit", zap.Int("reschedules", count))
		return w.transitioned(log, outcomeCancelled)(w.deps.FollowUps.MarkCancelled(ctx, item.ID, "rate_limit_exhausted"))
	}

	meta := copyMetadata(item.Metadata)
	meta["reschedule_count"] = count + 1
	if _, ok := meta["deferred_from"]; !ok {
		meta["deferred_from"] = item.ScheduledFor.UTC().Format(time.RFC3339)
	}
	// 积压的旧记录从现在起算，避免一次扫描内被反复延期
	next := utils.LaterOf(item.ScheduledFor, w.deps.Cadence.Window(), w.now())

	log.Info("Follow-up deferred by cadence limit", zap.Time("next", next), zap.Int("reschedules", count+1))
	return w.transitioned(log, outcomeDeferred)(w.deps.FollowUps.Reschedule(ctx, item.ID, next, meta))
}

// transitioned 把条件更新的结果映射为 outcome
func (w *DeliveryWorker) transitioned(log *zap.Logger, outcome string) func(bool, error) string {
	return func(applied bool, err error) string {
		if err != nil {
			log.Error("Failed to update follow-up status", zap.String("outcome", outcome), zap.Error(err))
			return outcomeError
		}
		if !applied {
			log.Info("Follow-up no longer pending", zap.String("outcome", outcome))
			return outcomeLost
		}
		return outcome
	}
}

func (w *DeliveryWorker) notify(subject, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.deps.Alerts.Notify(ctx, subject, body); err != nil {
			w.logger.Warn("Failed to deliver alert", zap.String("subject", subject), zap.Error(err))
		}
	}()
}

// groupByLead 保持到期顺序
func groupByLead(items []model.FollowUp) [][]model.FollowUp {
	index := make(map[int64]int)
	var out [][]model.FollowUp
	for _, it := range items {
		i, ok := index[it.LeadID]
		if !ok {
			i = len(out)
			index[it.LeadID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], it)
	}
	return out
}

func copyMetadata(m datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
