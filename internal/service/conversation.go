package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"SalesAgent/internal/cache"
	"SalesAgent/internal/model"
	"SalesAgent/internal/repository"
	"SalesAgent/pkg/ai"
	"SalesAgent/pkg/alert"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/metrics"
)

const (
	FlowAI      = "ai"
	FlowOptOut  = "opt_out"
	FlowApology = "apology"
	FlowOptIn   = "opt_in"
)

const (
	apologyText    = "Sorry, something went wrong on my side. Someone from our team will get back to you shortly."
	optOutText     = "Understood, you won't receive more messages from us. If you change your mind, reply START."
	optInText      = "Welcome back! You'll hear from us again. How can I help?"
	historyTurns   = 12
	classifyWindow = 2
)

type ConversationDeps struct {
	Dedup         *cache.Deduplicator
	Limiter       *cache.InboundLimiter
	Classifier    OptOutClassifier
	Scheduler     *FollowUpScheduler
	Resolver      *InterruptResolver
	Responder     ai.Responder
	Channel       Channel
	Leads         repository.LeadRepository
	Conversations repository.ConversationRepository
	Dispatcher    Dispatcher
	Alerts        alert.Notifier
	// TestPhones 测试号码不受入站限流
	TestPhones []string
}

// ConversationService 单条入站消息的完整处理链路
type ConversationService struct {
	ConversationDeps
	testPhones map[string]struct{}
	now        func() time.Time
}

func NewConversationService(d ConversationDeps) *ConversationService {
	if d.Classifier == nil {
		d.Classifier = NewKeywordClassifier()
	}
	if d.Alerts == nil {
		d.Alerts = alert.LogNotifier{}
	}
	phones := make(map[string]struct{}, len(d.TestPhones))
	for _, p := range d.TestPhones {
		phones[p] = struct{}{}
	}
	return &ConversationService{ConversationDeps: d, testPhones: phones, now: time.Now}
}

func (s *ConversationService) isTestPhone(phone string) bool {
	_, ok := s.testPhones[phone]
	return ok
}

// HandleInbound 返回状态标记：ok / duplicate / rate_limited / opted_out / opted_in / agent_error 或交互流程标记。
// 业务结果从不以 error 形式返回，webhook 始终 200
func (s *ConversationService) HandleInbound(ctx context.Context, msg model.InboundMessage) (status string) {
	if msg.MessageID == "" || msg.Phone == "" {
		return model.InboundOK
	}
	defer func() { metrics.RecordInbound(ctx, status) }()

	acquired, err := s.Dedup.TryAcquire(ctx, msg.MessageID)
	if err != nil {
		logger.Logger.Warn("Dedup check failed", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	if !acquired {
		logger.Logger.Info("Duplicate inbound message", zap.String("message_id", msg.MessageID))
		return model.InboundDuplicate
	}
	defer s.Dedup.Release(context.WithoutCancel(ctx), msg.MessageID)

	lead, err := s.Leads.FindOrCreateByPhone(ctx, msg.Phone, msg.Name)
	if err != nil {
		logger.Logger.Error("Failed to load lead for inbound message",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
		notifyAsync(s.Alerts, "Inbound message dropped", fmt.Sprintf("message %s from %s: %v", msg.MessageID, msg.Phone, err))
		return model.InboundAgentError
	}

	if !s.isTestPhone(msg.Phone) && s.Limiter != nil && !s.Limiter.Allow(ctx, msg.Phone) {
		logger.Logger.Warn("Inbound rate limited", zap.Int64("lead_id", lead.ID))
		return model.InboundRateLimited
	}

	body := msg.Body()

	// 退订的线索只认恢复关键词，其余消息只记录不回复
	if lead.OptedOut {
		if msg.InteractiveID == "" && s.Classifier.IsOptIn(body) {
			return s.optIn(ctx, lead, msg)
		}
		s.recordInbound(ctx, lead, msg, FlowOptOut)
		return model.InboundOptedOut
	}

	coldStop := false
	if msg.InteractiveID == "" {
		recent, err := s.Conversations.RecentInbound(ctx, lead.ID, classifyWindow)
		if err != nil {
			logger.Logger.Warn("Failed to load recent inbound", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
		decision := s.Classifier.ShouldStop(body, append(recent, body))

		if decision.Stop && decision.Reason != ReasonColdPattern {
			s.recordInbound(ctx, lead, msg, FlowOptOut)
			if err := s.Scheduler.MarkOptedOut(ctx, lead.ID, decision.Reason); err != nil {
				logger.Logger.Error("Failed to opt out lead", zap.Int64("lead_id", lead.ID), zap.Error(err))
			}
			s.replyAndRecordAsync(ctx, lead, msg.Phone, optOutText, FlowOptOut)
			return model.InboundOptedOut
		}

		coldStop = decision.Stop
	}

	// 连续冷淡只停培育类跟进，对话照常；之后正常回复即恢复
	switch {
	case coldStop && !lead.FollowUpsStopped():
		if err := s.Scheduler.StopFollowUps(ctx, lead.ID, ReasonColdPattern); err != nil {
			logger.Logger.Error("Failed to stop follow-ups for cold lead", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
		at := s.now()
		lead.FollowUpsStoppedAt = &at
	case !coldStop:
		if err := s.Scheduler.ResumeFollowUps(ctx, lead); err != nil {
			logger.Logger.Warn("Failed to resume follow-ups", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
	}

	s.recordInbound(ctx, lead, msg, "")
	s.touch(ctx, lead)

	if err := s.Scheduler.Cancel(ctx, lead.ID, model.SupersededByInbound()...); err != nil {
		logger.Logger.Warn("Failed to cancel superseded follow-ups", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}

	if s.Resolver != nil {
		res, err := s.Resolver.Resolve(ctx, lead, msg)
		if err != nil {
			return s.fail(ctx, lead, msg, "Interrupt resolution failed", err)
		}
		if res.Handled {
			return res.Flow
		}
	}

	return s.respond(ctx, lead, msg, body)
}

func (s *ConversationService) optIn(ctx context.Context, lead *model.Lead, msg model.InboundMessage) string {
	if err := s.Leads.ClearOptOut(ctx, lead.ID); err != nil {
		logger.Logger.Error("Failed to clear opt-out", zap.Int64("lead_id", lead.ID), zap.Error(err))
		s.recordInbound(ctx, lead, msg, FlowOptOut)
		return model.InboundOptedOut
	}
	lead.OptedOut = false
	lead.OptedOutAt = nil
	lead.OptOutReason = ""
	lead.FollowUpsStoppedAt = nil

	logger.Logger.Info("Lead opted back in", zap.Int64("lead_id", lead.ID))
	s.recordInbound(ctx, lead, msg, FlowOptIn)
	s.touch(ctx, lead)
	s.replyAndRecordAsync(ctx, lead, msg.Phone, optInText, FlowOptIn)
	return model.InboundOptedIn
}

func (s *ConversationService) respond(ctx context.Context, lead *model.Lead, msg model.InboundMessage, body string) string {
	if s.Responder == nil {
		return s.fail(ctx, lead, msg, "AI responder not configured", fmt.Errorf("no responder"))
	}

	history := s.history(ctx, lead.ID, msg.MessageID)
	reply, err := s.Responder.Respond(ctx, body, ai.Context{
		LeadName:     lead.Name,
		BusinessName: lead.BusinessName,
		Industry:     lead.Industry,
		Stage:        string(lead.Stage),
		History:      history,
	})
	if err != nil {
		return s.fail(ctx, lead, msg, "AI responder failed", err)
	}

	if err := s.Channel.Send(ctx, msg.Phone, reply.Response); err != nil {
		logger.Logger.Error("Failed to send AI reply", zap.Int64("lead_id", lead.ID), zap.Error(err))
		notifyAsync(s.Alerts, "Reply not delivered", fmt.Sprintf("lead %d (%s): %v", lead.ID, msg.Phone, err))
		return model.InboundAgentError
	}
	recordOutbound(ctx, s.Conversations, lead.ID, reply.Response, FlowAI, reply.TokensUsed)

	if reply.Topic != "" {
		if err := s.Leads.UpdateTopic(ctx, lead.ID, reply.Topic); err != nil {
			logger.Logger.Warn("Failed to update topic", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
	}
	if reply.DetectedIndustry != "" && reply.DetectedIndustry != lead.Industry {
		submitTask(ctx, s.Dispatcher, model.TaskUpdateIndustry, lead.ID, map[string]any{
			"industry": reply.DetectedIndustry,
		})
	}
	if reply.SaidLater {
		submitTask(ctx, s.Dispatcher, model.TaskScheduleLater, lead.ID, nil)
	}
	return model.InboundOK
}

// fail 给用户发统一道歉并告警，请求依然按 200 返回
func (s *ConversationService) fail(ctx context.Context, lead *model.Lead, msg model.InboundMessage, subject string, err error) string {
	logger.Logger.Error(subject,
		zap.Int64("lead_id", lead.ID),
		zap.String("message_id", msg.MessageID),
		zap.Error(err),
	)
	s.replyAndRecordAsync(ctx, lead, msg.Phone, apologyText, FlowApology)
	notifyAsync(s.Alerts, subject, fmt.Sprintf("lead %d (%s) message %q: %v", lead.ID, msg.Phone, msg.Body(), err))
	return model.InboundAgentError
}

func (s *ConversationService) history(ctx context.Context, leadID int64, currentMessageID string) []ai.Turn {
	turns, err := s.Conversations.Recent(ctx, leadID, historyTurns+1)
	if err != nil {
		logger.Logger.Warn("Failed to load conversation history", zap.Int64("lead_id", leadID), zap.Error(err))
		return nil
	}
	out := make([]ai.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Direction == model.DirectionInbound && t.MessageID != "" && t.MessageID == currentMessageID {
			continue
		}
		out = append(out, ai.Turn{Inbound: t.Direction == model.DirectionInbound, Content: t.Content})
	}
	if len(out) > historyTurns {
		out = out[len(out)-historyTurns:]
	}
	return out
}

func (s *ConversationService) recordInbound(ctx context.Context, lead *model.Lead, msg model.InboundMessage, flow string) {
	at := msg.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	err := s.Conversations.Append(ctx, &model.ConversationMessage{
		LeadID:    lead.ID,
		Direction: model.DirectionInbound,
		Content:   msg.Body(),
		MessageID: msg.MessageID,
		Flow:      flow,
		SentAt:    at,
	})
	if err != nil {
		logger.Logger.Error("Failed to record inbound turn",
			zap.Int64("lead_id", lead.ID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
	}
}

func (s *ConversationService) touch(ctx context.Context, lead *model.Lead) {
	now := s.now()
	if err := s.Leads.TouchInbound(ctx, lead.ID, now); err != nil {
		logger.Logger.Warn("Failed to touch lead", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
	if lead.Stage == model.StageNew {
		if err := s.Leads.UpdateStage(ctx, lead.ID, model.StageEngaged); err != nil {
			logger.Logger.Warn("Failed to update lead stage", zap.Int64("lead_id", lead.ID), zap.Error(err))
		} else {
			lead.Stage = model.StageEngaged
		}
	}
}

// replyAndRecordAsync 非关键回复：同步发送，历史记录交给后台任务
func (s *ConversationService) replyAndRecordAsync(ctx context.Context, lead *model.Lead, phone, text, flow string) {
	if err := s.Channel.Send(ctx, phone, text); err != nil {
		logger.Logger.Error("Failed to send reply",
			zap.Int64("lead_id", lead.ID),
			zap.String("flow", flow),
			zap.Error(err),
		)
		return
	}
	submitTask(ctx, s.Dispatcher, model.TaskRecordMessage, lead.ID, map[string]any{
		"direction": string(model.DirectionOutbound),
		"content":   text,
		"flow":      flow,
		"sent_at":   strconv.FormatInt(s.now().UnixMilli(), 10),
	})
}

// recordOutbound 出站轮次同步落库，失败只记日志
func recordOutbound(ctx context.Context, repo repository.ConversationRepository, leadID int64, text, flow string, tokens int) {
	if repo == nil {
		return
	}
	err := repo.Append(ctx, &model.ConversationMessage{
		LeadID:     leadID,
		Direction:  model.DirectionOutbound,
		Content:    text,
		Flow:       flow,
		TokensUsed: tokens,
	})
	if err != nil {
		logger.Logger.Error("Failed to record outbound turn",
			zap.Int64("lead_id", leadID),
			zap.String("flow", flow),
			zap.Error(err),
		)
	}
}
