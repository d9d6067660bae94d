package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/telemetry/domain"
)

// beaconTimeout is the max time allowed for a single async send started by SendAsync.
const beaconTimeout = 5 * time.Second

// ShutdownDrainDuration bounds how long shutdown waits for in-flight async sends. Must be >= beaconTimeout.
const ShutdownDrainDuration = beaconTimeout

var inflight sync.WaitGroup

// SendAsync runs send on a goroutine with a short timeout so the caller is not blocked. Sinks without a native
// beacon path use it to implement Sender.Beacon. The goroutine uses context.Background() so teardown of the
// caller does not abort the send; errors are logged.
func SendAsync(send func(context.Context, domain.Batch) error, batch domain.Batch, logger *zap.Logger) bool {
	if send == nil {
		return false
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := send(ctx, batch); err != nil {
			logger.Warn("telemetry: async send failed", zap.Error(err))
		}
	}()
	return true
}

// DrainAsync waits for sends started by SendAsync, or until ctx is done.
func DrainAsync(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
