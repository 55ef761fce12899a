package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics 业务指标。InitMetrics 之前所有 Record 都是 no-op
type OTelMetrics struct {
	SweepItemsTotal     metric.Int64Counter
	SweepDuration       metric.Float64Histogram
	FollowUpsScheduled  metric.Int64Counter
	InboundMessages     metric.Int64Counter
	OutboundSendTotal   metric.Int64Counter
	BackgroundTaskTotal metric.Int64Counter
}

var (
	metrics *OTelMetrics
	mu      sync.RWMutex
)

// InitMetrics 在 otel.SetMeterProvider 之后调用
func InitMetrics() error {
	meter := otel.Meter("salesagent")
	m := &OTelMetrics{}
	var err error

	m.SweepItemsTotal, err = meter.Int64Counter(
		"followup_sweep_items_total",
		metric.WithDescription("Follow-ups handled by the delivery sweep, by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"followup_sweep_duration_seconds",
		metric.WithDescription("Wall time of one delivery sweep"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	m.FollowUpsScheduled, err = meter.Int64Counter(
		"followup_scheduled_total",
		metric.WithDescription("Follow-ups written as pending, by type"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	m.InboundMessages, err = meter.Int64Counter(
		"inbound_messages_total",
		metric.WithDescription("Inbound messages by resulting status"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	m.OutboundSendTotal, err = meter.Int64Counter(
		"outbound_send_total",
		metric.WithDescription("Outbound channel sends"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	m.BackgroundTaskTotal, err = meter.Int64Counter(
		"background_tasks_total",
		metric.WithDescription("Background tasks executed, by kind and status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	mu.Lock()
	metrics = m
	mu.Unlock()
	return nil
}

func GetMetrics() *OTelMetrics {
	mu.RLock()
	defer mu.RUnlock()
	return metrics
}

// RecordSweepItem outcome: sent, failed, deferred, opted_out, skipped, cancelled
func RecordSweepItem(ctx context.Context, outcome, followUpType string) {
	m := GetMetrics()
	if m == nil {
		return
	}
	m.SweepItemsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("type", followUpType),
	))
}

func RecordSweep(ctx context.Context, seconds float64, skipped bool) {
	m := GetMetrics()
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("skipped", skipped)))
}

func RecordScheduled(ctx context.Context, followUpType string) {
	m := GetMetrics()
	if m == nil {
		return
	}
	m.FollowUpsScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("type", followUpType)))
}

func RecordInbound(ctx context.Context, status string) {
	m := GetMetrics()
	if m == nil {
		return
	}
	m.InboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordSend(ctx context.Context, channel string, err error) {
	m := GetMetrics()
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OutboundSendTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

func RecordTask(ctx context.Context, kind string, err error) {
	m := GetMetrics()
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackgroundTaskTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}
