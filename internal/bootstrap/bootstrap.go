package bootstrap

// 三个进程共用的依赖装配：存储、外部客户端、仓储、服务

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"SalesAgent/config"
	"SalesAgent/internal/cache"
	"SalesAgent/internal/middleware"
	"SalesAgent/internal/queue"
	"SalesAgent/internal/repository"
	"SalesAgent/internal/schedule"
	"SalesAgent/internal/service"
	"SalesAgent/pkg/ai"
	"SalesAgent/pkg/alert"
	"SalesAgent/pkg/calendar"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/metrics"
	pkgotel "SalesAgent/pkg/otel"
	"SalesAgent/pkg/payment"
	"SalesAgent/pkg/sms"
	"SalesAgent/pkg/snowflake"
	"SalesAgent/pkg/whatsapp"
	"SalesAgent/storage"
	"SalesAgent/storage/database"
	"SalesAgent/storage/redis"
)

const (
	externalTimeout = 15 * time.Second
	inlineTimeout   = 30 * time.Second
	slotMinNotice   = 2 * time.Hour
)

type Options struct {
	// Role 区分 snowflake 与 otel 的服务名后缀，如 server / worker / scheduler
	Role string
	// WithMQ 为 false 时后台任务在进程内执行
	WithMQ bool
}

type App struct {
	Leads         repository.LeadRepository
	FollowUps     repository.FollowUpRepository
	Appointments  repository.AppointmentRepository
	Conversations repository.ConversationRepository

	Channel    *service.FallbackChannel
	Scheduler  *service.FollowUpScheduler
	Tasks      *service.TaskRunner
	Dispatcher service.Dispatcher
	Dedup      *cache.Deduplicator

	Conversation    *service.ConversationService
	AppointmentsSvc *service.AppointmentService
	Delivery        *schedule.DeliveryWorker
	ColdLeads       *schedule.ColdLeadDetector

	Alerts alert.Notifier
	Sentry *alert.SentryNotifier

	shutdownOTel func(context.Context) error
}

// Init 调用前需要 config.Load 与 logger.Init
func Init(ctx context.Context, opts Options) (*App, error) {
	cfg := config.Cfg
	app := &App{}

	if err := snowflake.Init(cfg.SnowflakeMachineID, cfg.SnowflakeDataCenter); err != nil {
		return nil, fmt.Errorf("init snowflake: %w", err)
	}

	if cfg.OTelEnabled {
		shutdown, err := pkgotel.InitOpenTelemetry(ctx, pkgotel.Config{
			ServiceName:    cfg.ServiceName + "-" + opts.Role,
			ServiceVersion: cfg.ServiceVersion,
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTelEndpoint,
			SampleRatio:    cfg.OTelSampleRatio,
		})
		if err != nil {
			logger.Logger.Warn("Failed to initialize OpenTelemetry, continuing without it", zap.Error(err))
		} else {
			app.shutdownOTel = shutdown
		}
	}
	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics", zap.Error(err))
	}
	if err := middleware.InitMetrics(otel.Meter("hertz-server")); err != nil {
		logger.Logger.Warn("Failed to initialize HTTP metrics", zap.Error(err))
	}

	if err := storage.Init(cfg, opts.WithMQ); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	app.buildAlerts(ctx)

	db := database.DB()
	rdb := redis.Client()
	loc := cfg.Location()

	app.Leads = repository.NewLeadRepository(db)
	app.FollowUps = repository.NewFollowUpRepository(db)
	app.Appointments = repository.NewAppointmentRepository(db)
	app.Conversations = repository.NewConversationRepository(db)

	composer := service.NewComposer(loc)
	app.Scheduler = service.NewFollowUpScheduler(app.FollowUps, app.Leads, composer)
	app.Tasks = service.NewTaskRunner(app.Leads, app.FollowUps, app.Appointments, app.Conversations, app.Scheduler)
	app.Dedup = cache.NewDeduplicator(rdb, time.Duration(cfg.DedupTTLSeconds)*time.Second)

	if opts.WithMQ {
		app.Dispatcher = queue.NewMQDispatcher()
	} else {
		app.Dispatcher = queue.NewInlineDispatcher(app.Tasks, inlineTimeout)
	}

	channel := buildChannel()
	app.Channel = channel
	classifier := service.NewKeywordClassifier()

	resolver := service.NewInterruptResolver(service.InterruptDeps{
		Interrupts:    cache.NewInterruptStore(rdb),
		Calendar:      buildCalendar(loc),
		Payments:      buildPayments(),
		Channel:       channel,
		Leads:         app.Leads,
		Appointments:  app.Appointments,
		Conversations: app.Conversations,
		Dispatcher:    app.Dispatcher,
		Alerts:        app.Alerts,
		Location:      loc,
		SlotDuration:  time.Duration(cfg.SlotMinutes) * time.Minute,
	})

	app.Conversation = service.NewConversationService(service.ConversationDeps{
		Dedup:         app.Dedup,
		Limiter:       cache.NewInboundLimiter(rdb, time.Duration(cfg.InboundRateWindowSeconds)*time.Second, cfg.InboundRateMax),
		Classifier:    classifier,
		Scheduler:     app.Scheduler,
		Resolver:      resolver,
		Responder:     buildResponder(),
		Channel:       channel,
		Leads:         app.Leads,
		Conversations: app.Conversations,
		Dispatcher:    app.Dispatcher,
		Alerts:        app.Alerts,
		TestPhones:    cfg.TestPhoneNumbers,
	})

	app.AppointmentsSvc = service.NewAppointmentService(app.Appointments, app.Leads, app.Scheduler)

	app.Delivery = schedule.NewDeliveryWorker(schedule.DeliveryConfig{
		Lookahead:      time.Duration(cfg.DeliveryLookaheadMinutes) * time.Minute,
		BatchSize:      cfg.DeliveryBatchSize,
		Concurrency:    cfg.DeliveryConcurrency,
		SendRPS:        cfg.DeliverySendRPS,
		MaxReschedules: cfg.MaxReschedules,
	}, schedule.DeliveryDeps{
		FollowUps:     app.FollowUps,
		Leads:         app.Leads,
		Conversations: app.Conversations,
		Classifier:    classifier,
		Cadence:       service.NewCadenceLimiter(app.FollowUps),
		Scheduler:     app.Scheduler,
		Channel:       channel,
		Dispatcher:    app.Dispatcher,
		Alerts:        app.Alerts,
		Locker:        cache.NewLocker(rdb),
	})

	app.ColdLeads = schedule.NewColdLeadDetector(app.Leads, app.Scheduler, time.Duration(cfg.ColdLeadAfterHours)*time.Hour)

	return app, nil
}

// Close 先冲刷告警与链路，再关存储
func (a *App) Close() {
	if a.Sentry != nil {
		a.Sentry.Flush()
	}
	if a.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownOTel(ctx); err != nil {
			logger.Logger.Warn("Failed to shutdown OpenTelemetry", zap.Error(err))
		}
		cancel()
	}
	storage.Close()
}

func (a *App) buildAlerts(ctx context.Context) {
	cfg := config.Cfg
	notifiers := alert.Multi{alert.LogNotifier{}}

	if cfg.AlertEmail != "" && cfg.SESFromEmail != "" {
		ses, err := alert.NewSESNotifier(ctx, cfg.AWSRegion, cfg.SESFromEmail, cfg.AlertEmail)
		if err != nil {
			logger.Logger.Warn("Failed to initialize SES alerts", zap.Error(err))
		} else {
			notifiers = append(notifiers, ses)
		}
	}

	if cfg.SentryDSN != "" {
		s, err := alert.NewSentryNotifier(cfg.SentryDSN, cfg.Environment, cfg.ServiceVersion)
		if err != nil {
			logger.Logger.Warn("Failed to initialize Sentry", zap.Error(err))
		} else {
			a.Sentry = s
			notifiers = append(notifiers, s)
		}
	}

	a.Alerts = notifiers
}

func buildChannel() *service.FallbackChannel {
	cfg := config.Cfg

	var primary service.Channel = service.LogChannel{}
	if cfg.WhatsAppAccessToken != "" {
		wa, err := whatsapp.NewCloudClient(whatsapp.Config{
			APIBase:       cfg.WhatsAppAPIBase,
			AccessToken:   cfg.WhatsAppAccessToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			Timeout:       externalTimeout,
		})
		if err != nil {
			logger.Logger.Warn("WhatsApp channel disabled", zap.Error(err))
		} else {
			primary = wa
		}
	}

	var fallback service.Channel
	if cfg.SMSProvider == "aliyun" {
		s, err := sms.NewAliyunClient(cfg.SMSSignName, cfg.SMSTemplateCode)
		if err != nil {
			logger.Logger.Warn("SMS fallback disabled", zap.Error(err))
		} else {
			fallback = s
		}
	}

	return service.NewFallbackChannel(primary, fallback)
}

func buildCalendar(loc *time.Location) calendar.Client {
	cfg := config.Cfg
	avail := calendar.Availability{
		Location:    loc,
		DayStart:    cfg.BusinessHoursStart,
		DayEnd:      cfg.BusinessHoursEnd,
		SlotMinutes: cfg.SlotMinutes,
		MinNotice:   slotMinNotice,
	}

	c, err := calendar.NewHTTPClient(calendar.Config{
		APIBase:      cfg.CalendarAPIBase,
		APIKey:       cfg.CalendarAPIKey,
		CalendarID:   cfg.CalendarID,
		Timeout:      externalTimeout,
		Availability: avail,
	})
	if err != nil {
		logger.Logger.Warn("Calendar API not configured, booking runs offline", zap.Error(err))
		return calendar.OfflineClient{Availability: avail}
	}
	return c
}

func buildPayments() payment.Client {
	cfg := config.Cfg
	c, err := payment.NewHTTPClient(payment.Config{
		APIBase:    cfg.PaymentAPIBase,
		APIKey:     cfg.PaymentAPIKey,
		SuccessURL: cfg.PaymentSuccessURL,
		Timeout:    externalTimeout,
	})
	if err != nil {
		logger.Logger.Warn("Payment API not configured", zap.Error(err))
		return payment.Unconfigured{}
	}
	return c
}

func buildResponder() ai.Responder {
	cfg := config.Cfg
	r, err := ai.NewOpenAIResponder(ai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: time.Duration(cfg.OpenAITimeoutSeconds) * time.Second,
	})
	if err != nil {
		// 没有 key 时每轮都走道歉 + 告警
		logger.Logger.Warn("AI responder unavailable", zap.Error(err))
		return unavailableResponder{err: err}
	}
	return r
}

type unavailableResponder struct {
	err error
}

func (u unavailableResponder) Respond(ctx context.Context, text string, c ai.Context) (*ai.Reply, error) {
	return nil, u.err
}
