package telemetry

import (
	"context"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/telemetry/domain"
)

// IngestPath is the remote analytics ingest endpoint.
const IngestPath = "/api/telemetry/ingest"

// Sender delivers event batches. Send is the normal asynchronous path; Beacon is the best-effort teardown path
// and must not block on I/O.
type Sender interface {
	Send(ctx context.Context, batch domain.Batch) error
	// Beacon dispatches batch without waiting. Returns false only if the batch could not be handed off.
	Beacon(batch domain.Batch) bool
}

// HTTPSender posts batches to IngestPath through a NetworkTransport.
type HTTPSender struct {
	net platform.NetworkTransport
}

// NewHTTPSender returns a Sender posting to the ingest endpoint.
func NewHTTPSender(net platform.NetworkTransport) *HTTPSender {
	return &HTTPSender{net: net}
}

// Send posts {token, events}. The response body is ignored.
func (s *HTTPSender) Send(ctx context.Context, batch domain.Batch) error {
	return s.net.PostJSON(ctx, IngestPath, batch, nil)
}

// Beacon hands the batch to the transport's beacon path.
func (s *HTTPSender) Beacon(batch domain.Batch) bool {
	return s.net.Beacon(IngestPath, batch)
}

// MultiSender fans a batch out to a primary sender and best-effort mirrors (Kafka, Loki, OTel logs). Only the
// primary's result is reported; mirror failures are logged.
type MultiSender struct {
	primary Sender
	mirrors []Sender
	logger  *zap.Logger
}

// NewMultiSender returns a MultiSender. mirrors may be empty.
func NewMultiSender(logger *zap.Logger, primary Sender, mirrors ...Sender) *MultiSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiSender{primary: primary, mirrors: mirrors, logger: logger}
}

// Send delivers to the primary then to each mirror.
func (m *MultiSender) Send(ctx context.Context, batch domain.Batch) error {
	err := m.primary.Send(ctx, batch)
	for _, s := range m.mirrors {
		if merr := s.Send(ctx, batch); merr != nil {
			m.logger.Warn("telemetry: mirror send failed", zap.Error(merr))
		}
	}
	return err
}

// Beacon hands the batch to every sender's beacon path and reports the primary's result.
func (m *MultiSender) Beacon(batch domain.Batch) bool {
	ok := m.primary.Beacon(batch)
	for _, s := range m.mirrors {
		if !s.Beacon(batch) {
			m.logger.Warn("telemetry: mirror beacon rejected")
		}
	}
	return ok
}
