package repository

import (
	"context"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

// Sink is a telemetry.Sender that archives batches through a Repository. The ingest token is not stored.
type Sink struct {
	repo   Repository
	logger *zap.Logger
}

var _ telemetry.Sender = (*Sink)(nil)

// NewSink returns a Sink writing to repo.
func NewSink(repo Repository, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{repo: repo, logger: logger}
}

// Send stores the batch.
func (s *Sink) Send(ctx context.Context, batch domain.Batch) error {
	if err := s.repo.SaveBatch(ctx, batch.Events); err != nil {
		s.logger.Warn("telemetry: archive failed", zap.Int("events", len(batch.Events)), zap.Error(err))
		return err
	}
	return nil
}

// Beacon stores the batch on a background goroutine.
func (s *Sink) Beacon(batch domain.Batch) bool {
	return telemetry.SendAsync(s.Send, batch, s.logger)
}
