package ai

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const instrumentationName = "intelligence-substrate/ai"

type instruments struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
	latency  metric.Float64Histogram
}

func newInstruments(provider metric.MeterProvider, logger *zap.Logger) instruments {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	m := provider.Meter(instrumentationName)
	var ins instruments
	var err error
	if ins.requests, err = m.Int64Counter("ai.requests", metric.WithDescription("AI proxy calls by operation and outcome")); err != nil {
		logger.Warn("ai: counter init failed", zap.Error(err))
		ins.requests = noop.Int64Counter{}
	}
	if ins.retries, err = m.Int64Counter("ai.retries", metric.WithDescription("Retried AI attempts")); err != nil {
		logger.Warn("ai: counter init failed", zap.Error(err))
		ins.retries = noop.Int64Counter{}
	}
	if ins.latency, err = m.Float64Histogram("ai.latency", metric.WithUnit("ms"), metric.WithDescription("End-to-end AI call latency including retries")); err != nil {
		logger.Warn("ai: histogram init failed", zap.Error(err))
		ins.latency = noop.Float64Histogram{}
	}
	return ins
}

func (ins instruments) record(ctx context.Context, op string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("outcome", outcome))
	ins.requests.Add(ctx, 1, attrs)
	ins.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}
