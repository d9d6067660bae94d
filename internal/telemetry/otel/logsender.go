package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

const loggerName = "intelligence-substrate.telemetry"

// recordEmitter is the subset of otellog.Logger used by LogSender.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LogSender mirrors telemetry batches as OTel log records, one record per event.
type LogSender struct {
	logger recordEmitter
	zl     *zap.Logger
}

var _ telemetry.Sender = (*LogSender)(nil)

// NewLogSender returns a LogSender backed by provider. Returns nil when provider is nil.
func NewLogSender(provider otellog.LoggerProvider, zl *zap.Logger) *LogSender {
	if provider == nil {
		return nil
	}
	return newLogSender(provider.Logger(loggerName), zl)
}

func newLogSender(l recordEmitter, zl *zap.Logger) *LogSender {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &LogSender{logger: l, zl: zl}
}

// Send emits every event in the batch. The OTel SDK batches and exports asynchronously, so Send never blocks
// on the collector.
func (s *LogSender) Send(ctx context.Context, batch domain.Batch) error {
	if s == nil {
		return nil
	}
	for _, e := range batch.Events {
		s.logger.Emit(ctx, Record(e))
	}
	return nil
}

// Beacon emits synchronously; the SDK processor owns delivery.
func (s *LogSender) Beacon(batch domain.Batch) bool {
	if s == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Send(ctx, batch)
	return true
}

// Record converts a telemetry event to an OTel log record. Meta becomes the JSON body; identity fields become
// attributes. Empty fields are omitted.
func Record(e domain.TelemetryEvent) otellog.Record {
	rec := otellog.Record{}
	if e.Timestamp > 0 {
		rec.SetTimestamp(time.UnixMilli(e.Timestamp).UTC())
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetSeverity(otellog.SeverityInfo)
	if len(e.Meta) > 0 {
		if body, err := json.Marshal(e.Meta); err == nil {
			rec.SetBody(otellog.BytesValue(body))
		}
	}
	add := func(k, v string) {
		if v != "" {
			rec.AddAttributes(otellog.String(k, v))
		}
	}
	add("app_id", e.AppID)
	add("context", e.Context)
	add("event_type", string(e.EventType))
	add("label", e.Label)
	add("uid", e.UID)
	add("session_id", e.SessionID)
	return rec
}
