package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const meterName = "intelligence-substrate/telemetry"

type instruments struct {
	enqueued  metric.Int64Counter
	dropped   metric.Int64Counter
	flushed   metric.Int64Counter
	flushes   metric.Int64Counter
	batchSize metric.Int64Histogram
}

func newInstruments(provider metric.MeterProvider, logger *zap.Logger) instruments {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	m := provider.Meter(meterName)
	var ins instruments
	var err error
	if ins.enqueued, err = m.Int64Counter("telemetry.events.enqueued", metric.WithDescription("Events accepted into the queue")); err != nil {
		logger.Warn("telemetry: counter init failed", zap.Error(err))
		ins.enqueued = noop.Int64Counter{}
	}
	if ins.dropped, err = m.Int64Counter("telemetry.events.dropped", metric.WithDescription("Events evicted by the queue cap")); err != nil {
		logger.Warn("telemetry: counter init failed", zap.Error(err))
		ins.dropped = noop.Int64Counter{}
	}
	if ins.flushed, err = m.Int64Counter("telemetry.events.flushed", metric.WithDescription("Events handed to the sender")); err != nil {
		logger.Warn("telemetry: counter init failed", zap.Error(err))
		ins.flushed = noop.Int64Counter{}
	}
	if ins.flushes, err = m.Int64Counter("telemetry.flushes", metric.WithDescription("Flush attempts by outcome")); err != nil {
		logger.Warn("telemetry: counter init failed", zap.Error(err))
		ins.flushes = noop.Int64Counter{}
	}
	if ins.batchSize, err = m.Int64Histogram("telemetry.batch.size", metric.WithDescription("Events per delivered batch")); err != nil {
		logger.Warn("telemetry: histogram init failed", zap.Error(err))
		ins.batchSize = noop.Int64Histogram{}
	}
	return ins
}

func (ins instruments) recordFlush(ctx context.Context, res FlushResult) {
	ins.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", res.Kind.String())))
	if res.Kind == FlushSent || res.Kind == FlushFailed {
		ins.flushed.Add(ctx, int64(res.Events))
		ins.batchSize.Record(ctx, int64(res.Events))
	}
}
