package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed int
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func batchOf(n int) domain.Batch {
	tok := "secret"
	b := domain.Batch{Token: &tok}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, domain.TelemetryEvent{
			AppID: "writer", EventType: domain.EventCopy, Timestamp: int64(i + 1), SessionID: "sess-9",
		})
	}
	return b
}

func TestNewKafkaProducer_DisabledWithoutBrokers(t *testing.T) {
	if p := NewKafkaProducer(nil, "topic", nil); p != nil {
		t.Error("expected nil producer without brokers")
	}
	if p := NewKafkaProducer([]string{"localhost:9092"}, "", nil); p != nil {
		t.Error("expected nil producer without topic")
	}
	var p *KafkaProducer
	if err := p.Send(context.Background(), batchOf(1)); err != nil {
		t.Errorf("nil Send: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestKafkaProducer_SendOneMessagePerBatch(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, "telemetry", nil)
	if err := p.Send(context.Background(), batchOf(3)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := w.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if string(msgs[0].Key) != "sess-9" {
		t.Errorf("key = %q, want session id", msgs[0].Key)
	}
	var got kafkaBatch
	if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
		t.Fatalf("value: %v", err)
	}
	if len(got.Events) != 3 || got.SessionID != "sess-9" {
		t.Errorf("value = %+v", got)
	}
	var raw map[string]any
	_ = json.Unmarshal(msgs[0].Value, &raw)
	if _, ok := raw["token"]; ok {
		t.Error("token leaked into broker message")
	}
}

func TestKafkaProducer_EmptyBatchIsNoop(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, "telemetry", nil)
	if err := p.Send(context.Background(), domain.Batch{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(w.messages()) != 0 {
		t.Error("empty batch produced a message")
	}
}

func TestKafkaProducer_SendError(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := newKafkaProducer(&fakeWriter{err: boom}, "telemetry", nil)
	if err := p.Send(context.Background(), batchOf(1)); !errors.Is(err, boom) {
		t.Errorf("Send err = %v, want %v", err, boom)
	}
}

func TestKafkaProducer_Beacon(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, "telemetry", nil)
	if !p.Beacon(batchOf(2)) {
		t.Fatal("Beacon returned false")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := telemetry.DrainAsync(ctx); err != nil {
		t.Fatalf("DrainAsync: %v", err)
	}
	if len(w.messages()) != 1 {
		t.Errorf("messages = %d, want 1", len(w.messages()))
	}
	_ = p.Close()
	if w.closed != 1 {
		t.Errorf("closed = %d, want 1", w.closed)
	}
}
