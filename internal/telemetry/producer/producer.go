// Package producer mirrors telemetry batches to a message broker (e.g. Kafka).
package producer

import (
	"intelligence-substrate/core/internal/telemetry"
)

// Producer is a telemetry sink backed by a broker. Callers use it best-effort: log and ignore errors.
type Producer interface {
	telemetry.Sender
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
