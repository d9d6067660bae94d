package producer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

// writeTimeout bounds a single WriteMessages call so a slow broker does not stall a flush.
const writeTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer using segmentio/kafka-go. Each batch becomes one message keyed by session
// id, so a session's batches land on one partition in order.
type KafkaProducer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

var _ Producer = (*KafkaProducer)(nil)

// kafkaBatch is the message value. The ingest token is not forwarded to the broker.
type kafkaBatch struct {
	SessionID string                  `json:"sessionId"`
	SentAt    int64                   `json:"sentAt"`
	Events    []domain.TelemetryEvent `json:"events"`
}

// NewKafkaProducer creates a Kafka producer that writes telemetry batches to the given topic.
// Returns nil when brokers or topic is empty (Kafka disabled). Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string, logger *zap.Logger) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaProducer(writer, topic, logger)
}

func newKafkaProducer(w messageWriter, topic string, logger *zap.Logger) *KafkaProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaProducer{writer: w, topic: topic, logger: logger}
}

// Send serializes the batch as JSON and writes it as a single message.
func (p *KafkaProducer) Send(ctx context.Context, batch domain.Batch) error {
	if p == nil || p.writer == nil || len(batch.Events) == 0 {
		return nil
	}
	session := batch.Events[0].SessionID
	payload, err := json.Marshal(kafkaBatch{
		SessionID: session,
		SentAt:    time.Now().UnixMilli(),
		Events:    batch.Events,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(session),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-count", Value: []byte(strconv.Itoa(len(batch.Events)))},
		},
	})
	if err != nil {
		p.logger.Warn("telemetry: kafka send failed", zap.String("topic", p.topic), zap.Error(err))
		return err
	}
	return nil
}

// Beacon writes the batch on a background goroutine.
func (p *KafkaProducer) Beacon(batch domain.Batch) bool {
	if p == nil || p.writer == nil {
		return false
	}
	return telemetry.SendAsync(p.Send, batch, p.logger)
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
