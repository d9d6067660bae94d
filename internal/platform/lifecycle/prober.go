package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pinger checks reachability of the API origin.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the API origin and feeds the result into Hooks.SetOnline.
type Prober struct {
	Hooks    *Hooks
	Pinger   Pinger
	Interval time.Duration
	Logger   *zap.Logger
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.probeOnce(ctx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, logger *zap.Logger) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.Pinger.Ping(pingCtx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil
	if online != p.Hooks.IsOnline() {
		logger.Info("lifecycle: connectivity changed", zap.Bool("online", online), zap.Error(err))
	}
	p.Hooks.SetOnline(online)
}
