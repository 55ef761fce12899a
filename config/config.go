package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort     string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost     string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	ServiceName    string `env:"SERVICE_NAME" envDefault:"salesagent"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"0.1.0"`
	Timezone       string `env:"TIMEZONE" envDefault:"America/Mexico_City"`

	// PostgreSQL 配置
	PostgreSQLHost     string `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort     string `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser     string `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword string `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase string `env:"POSTGRESQL_DATABASE" envDefault:"salesagent"`
	PostgreSQLSchema   string `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode  string `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle  int    `env:"POSTGRESQL_MAX_IDLE" envDefault:"10"`
	PostgreSQLMaxOpen  int    `env:"POSTGRESQL_MAX_OPEN" envDefault:"50"`

	// Redis 配置
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"sa"`

	// RabbitMQ 配置
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`
	TaskQueueEnabled bool   `env:"TASK_QUEUE_ENABLED" envDefault:"true"` // false 时后台任务在进程内执行

	// 定时触发鉴权
	CronSecret          string `env:"CRON_SECRET"`
	CronSignatureHeader string `env:"CRON_SIGNATURE_HEADER" envDefault:"X-Cron-Signature"`

	// WhatsApp Cloud API
	WhatsAppVerifyToken   string `env:"WHATSAPP_VERIFY_TOKEN"`
	WhatsAppAccessToken   string `env:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppPhoneNumberID string `env:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAPIBase       string `env:"WHATSAPP_API_BASE" envDefault:"https://graph.facebook.com/v21.0"`

	// 短信兜底通道
	// AccessKey 通过阿里云 SDK 的环境变量自动获取：ALIBABA_CLOUD_ACCESS_KEY_ID / ALIBABA_CLOUD_ACCESS_KEY_SECRET
	SMSProvider     string `env:"SMS_PROVIDER" envDefault:"none"` // aliyun, none
	SMSSignName     string `env:"SMS_SIGN_NAME"`
	SMSTemplateCode string `env:"SMS_TEMPLATE_CODE"`

	// AI 应答
	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL        string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel          string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAITimeoutSeconds int    `env:"OPENAI_TIMEOUT_SECONDS" envDefault:"30"`

	// 预约日历
	CalendarAPIBase    string `env:"CALENDAR_API_BASE"`
	CalendarAPIKey     string `env:"CALENDAR_API_KEY"`
	CalendarID         string `env:"CALENDAR_ID" envDefault:"primary"`
	BusinessHoursStart string `env:"BUSINESS_HOURS_START" envDefault:"09:00:00"`
	BusinessHoursEnd   string `env:"BUSINESS_HOURS_END" envDefault:"18:00:00"`
	SlotMinutes        int    `env:"SLOT_MINUTES" envDefault:"30"`

	// 支付链接
	PaymentAPIBase    string `env:"PAYMENT_API_BASE"`
	PaymentAPIKey     string `env:"PAYMENT_API_KEY"`
	PaymentSuccessURL string `env:"PAYMENT_SUCCESS_URL"`

	// 告警
	AlertEmail   string `env:"ALERT_EMAIL"`
	SESFromEmail string `env:"SES_FROM_EMAIL"`
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`
	SentryDSN    string `env:"SENTRY_DSN"`

	// 跟进投递
	DeliveryIntervalMinutes  int     `env:"DELIVERY_INTERVAL_MINUTES" envDefault:"5"`
	DeliveryLookaheadMinutes int     `env:"DELIVERY_LOOKAHEAD_MINUTES" envDefault:"5"`
	DeliveryBatchSize        int     `env:"DELIVERY_BATCH_SIZE" envDefault:"200"`
	DeliveryConcurrency      int     `env:"DELIVERY_CONCURRENCY" envDefault:"10"`
	DeliverySendRPS          float64 `env:"DELIVERY_SEND_RPS" envDefault:"20"`
	MaxReschedules           int     `env:"MAX_RESCHEDULES" envDefault:"7"`
	ColdLeadAfterHours       int     `env:"COLD_LEAD_AFTER_HOURS" envDefault:"24"`
	ColdLeadScanMinutes      int     `env:"COLD_LEAD_SCAN_MINUTES" envDefault:"60"`
	WorkerPrefetch           int     `env:"WORKER_PREFETCH" envDefault:"10"`

	// 入站消息
	InboundRateWindowSeconds int      `env:"INBOUND_RATE_WINDOW_SECONDS" envDefault:"60"`
	InboundRateMax           int      `env:"INBOUND_RATE_MAX" envDefault:"10"`
	TestPhoneNumbers         []string `env:"TEST_PHONE_NUMBERS" envSeparator:","`
	DedupTTLSeconds          int      `env:"DEDUP_TTL_SECONDS" envDefault:"300"`

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`

	// 链路追踪配置
	OTelEnabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"0.1"`

	// 管理接口限流
	RateLimitEnabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
}

// Load 读取 .env 与环境变量并校验，只应在 main 中调用一次
func Load() error {
	if err := godotenv.Load(); err != nil {
		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	Cfg = cfg
	return nil
}

func (c *Config) Validate() error {
	if !c.IsDevelopment() {
		if c.CronSecret == "" {
			return fmt.Errorf("CRON_SECRET is required outside development")
		}
		if c.WhatsAppVerifyToken == "" {
			return fmt.Errorf("WHATSAPP_VERIFY_TOKEN is required outside development")
		}
	}

	if c.DeliveryConcurrency <= 0 {
		return fmt.Errorf("DELIVERY_CONCURRENCY must be positive")
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}

	if c.WhatsAppAccessToken == "" {
		log.Printf("WARN: WHATSAPP_ACCESS_TOKEN is not set, outbound messages will only be logged")
	}
	if c.OpenAIAPIKey == "" {
		log.Printf("WARN: OPENAI_API_KEY is not set, AI responder will fail every turn")
	}
	if c.SMSProvider == "aliyun" && (c.SMSSignName == "" || c.SMSTemplateCode == "") {
		log.Printf("WARN: SMS_SIGN_NAME / SMS_TEMPLATE_CODE not set, SMS fallback may not work")
	}
	if c.AlertEmail == "" && c.SentryDSN == "" {
		log.Printf("WARN: no ALERT_EMAIL or SENTRY_DSN, alerts will only be logged")
	}

	return nil
}

func (c *Config) GetDSN() string {
	return "host=" + c.PostgreSQLHost +
		" port=" + c.PostgreSQLPort +
		" user=" + c.PostgreSQLUser +
		" password=" + c.PostgreSQLPassword +
		" dbname=" + c.PostgreSQLDatabase +
		" sslmode=" + c.PostgreSQLSSLMode +
		" search_path=" + c.PostgreSQLSchema
}

func (c *Config) GetRabbitMQURL() string {
	return "amqp://" + c.RabbitMQUsername + ":" + c.RabbitMQPassword + "@" + c.RabbitMQAddr + ":" + c.RabbitMQPort + c.RabbitMQVhost
}

// Location 返回业务时区，Validate 已保证可解析
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
