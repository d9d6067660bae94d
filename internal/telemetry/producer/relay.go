package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

const forwardTimeout = 10 * time.Second

// messageReader is the subset of *kafka.Reader used here.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Relay consumes batches written by KafkaProducer and forwards them to a downstream sink (e.g. Loki).
type Relay struct {
	reader messageReader
	sink   telemetry.Sender
	logger *zap.Logger
}

// NewRelay returns a Relay reading topic as consumer group groupID.
func NewRelay(brokers []string, topic, groupID string, sink telemetry.Sender, logger *zap.Logger) *Relay {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newRelay(reader, sink, logger)
}

func newRelay(r messageReader, sink telemetry.Sender, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{reader: r, sink: sink, logger: logger}
}

// DecodeBatch parses a message value written by KafkaProducer. The batch carries no token.
func DecodeBatch(value []byte) (domain.Batch, error) {
	var kb kafkaBatch
	if err := json.Unmarshal(value, &kb); err != nil {
		return domain.Batch{}, err
	}
	return domain.Batch{Events: kb.Events}, nil
}

// Run forwards messages until ctx is done. A message is committed once forwarded or found undecodable; a
// forwarding failure leaves it uncommitted so the group redelivers it after a restart.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("relay: kafka read failed", zap.Error(err))
			continue
		}
		if err := r.forward(ctx, msg); err != nil {
			r.logger.Warn("relay: forward failed",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.logger.Warn("relay: commit failed", zap.Error(err))
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg kafka.Message) error {
	batch, err := DecodeBatch(msg.Value)
	if err != nil {
		r.logger.Warn("relay: dropping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if len(batch.Events) == 0 {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	return r.sink.Send(fctx, batch)
}

// Close closes the reader.
func (r *Relay) Close() error {
	return r.reader.Close()
}
