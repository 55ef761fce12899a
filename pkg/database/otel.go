package database

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	dbQueriesTotal  metric.Int64Counter
	dbQueryDuration metric.Float64Histogram
	dbRowsAffected  metric.Int64Histogram
)

const (
	spanKey  = "otel:span"
	startKey = "otel:start_time"
)

// InitDatabaseMetrics 未调用时插件只产生 span
func InitDatabaseMetrics(meter metric.Meter) error {
	var err error

	dbQueriesTotal, err = meter.Int64Counter(
		"db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	dbQueryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	// 跟进表的批量取消/退订一次会影响多行
	dbRowsAffected, err = meter.Int64Histogram(
		"db.rows.affected",
		metric.WithDescription("Rows affected by write statements"),
		metric.WithUnit("{row}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 50, 200),
	)
	return err
}

// OTELPlugin GORM OpenTelemetry 插件
type OTELPlugin struct {
	tracer trace.Tracer
	config       PluginConfig
}

type PluginConfig struct {
	ServiceName   string
	EnableMetrics bool
	MaxSQLLength  int
}

func DefaultPluginConfig() PluginConfig {
	return PluginConfig{
		ServiceName:   "salesagent",
		EnableMetrics: true,
		MaxSQLLength:  500,
	}
}

func NewOTELPlugin(config PluginConfig) *OTELPlugin {
	if config.ServiceName == "" {
		config.ServiceName = "salesagent"
	}
	if config.MaxSQLLength <= 0 {
		config.MaxSQLLength = 500
	}

	return &OTELPlugin{
		tracer: otel.Tracer(config.ServiceName + ".gorm"),
		config: config,
	}
}

func (p *OTELPlugin) Name() string {
	return "otel_plugin"
}

func (p *OTELPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	hooks := []struct {
		name     string
		register func(before, after func(*gorm.DB)) error
	}{
		{"query", func(b, a func(*gorm.DB)) error {
			if err := cb.Query().Before("gorm:query").Register("otel:before_query", b); err != nil {
				return err
			}
			return cb.Query().After("gorm:query").Register("otel:after_query", a)
		}},
		{"create", func(b, a func(*gorm.DB)) error {
			if err := cb.Create().Before("gorm:create").Register("otel:before_create", b); err != nil {
				return err
			}
			return cb.Create().After("gorm:create").Register("otel:after_create", a)
		}},
		{"update", func(b, a func(*gorm.DB)) error {
			if err := cb.Update().Before("gorm:update").Register("otel:before_update", b); err != nil {
				return err
			}
			return cb.Update().After("gorm:update").Register("otel:after_update", a)
		}},
		{"delete", func(b, a func(*gorm.DB)) error {
			if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", b); err != nil {
				return err
			}
			return cb.Delete().After("gorm:delete").Register("otel:after_delete", a)
		}},
		{"row", func(b, a func(*gorm.DB)) error {
			if err := cb.Row().Before("gorm:row").Register("otel:before_row", b); err != nil {
				return err
			}
			return cb.Row().After("gorm:row").Register("otel:after_row", a)
		}},
		{"raw", func(b, a func(*gorm.DB)) error {
			if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", b); err != nil {
				return err
			}
			return cb.Raw().After("gorm:raw").Register("otel:after_raw", a)
		}},
	}

	for _, h := range hooks {
		op := h.name
		before := func(db *gorm.DB) { p.before(db, op) }
		if err := h.register(before, p.after); err != nil {
			return err
		}
	}
	return nil
}

func (p *OTELPlugin) before(db *gorm.DB, op string) {
	table := db.Statement.Table
	if table == "" {
		table = "unknown"
	}

	ctx, span := p.tracer.Start(db.Statement.Context, "db."+op+" "+table,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBOperation(op),
			attribute.String("db.table", table),
		),
	)

	db.InstanceSet(startKey, time.Now())
	db.InstanceSet(spanKey, span)
	db.Statement.Context = ctx
}

func (p *OTELPlugin) after(db *gorm.DB) {
	v, ok := db.InstanceGet(spanKey)
	if !ok {
		return
	}
	span, ok := v.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	var duration float64
	if s, ok := db.InstanceGet(startKey); ok {
		if start, ok := s.(time.Time); ok {
			duration = time.Since(start).Seconds()
		}
	}

	sql := db.Statement.SQL.String()
	if len(sql) > p.config.MaxSQLLength {
		sql = sql[:p.config.MaxSQLLength] + "..."
	}
	// 只记录带占位符的语句，参数里可能有手机号
	span.SetAttributes(
		semconv.DBStatement(sql),
		attribute.Int64("db.rows_affected", db.Statement.RowsAffected),
	)

	status := "success"
	switch {
	case db.Error == nil:
		span.SetStatus(codes.Ok, "")
	case stderrors.Is(db.Error, gorm.ErrRecordNotFound):
		status = "not_found"
		span.SetStatus(codes.Ok, "record not found")
	default:
		status = "error"
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	if p.config.EnableMetrics {
		p.recordMetrics(db.Statement.Context, db, operationOf(sql), status, duration)
	}
}

func operationOf(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sql, op) {
			return strings.ToLower(op)
		}
	}
	return "query"
}

func (p *OTELPlugin) recordMetrics(ctx context.Context, db *gorm.DB, op, status string, duration float64) {
	if dbQueriesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("db.operation", op),
		attribute.String("db.table", db.Statement.Table),
		attribute.String("db.status", status),
	)
	dbQueriesTotal.Add(ctx, 1, attrs)
	dbQueryDuration.Record(ctx, duration, attrs)
	if op == "update" || op == "delete" {
		dbRowsAffected.Record(ctx, db.Statement.RowsAffected, attrs)
	}
}

func WithOTELPlugin(db *gorm.DB, config PluginConfig) error {
	return db.Use(NewOTELPlugin(config))
}

func WithDefaultOTELPlugin(db *gorm.DB, serviceName string) error {
	config := DefaultPluginConfig()
	config.ServiceName = serviceName
	return WithOTELPlugin(db, config)
}
