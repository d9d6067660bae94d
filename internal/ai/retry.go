package ai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"intelligence-substrate/core/internal/platform"
)

// RetryConfig bounds RetryWithBackoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry; each later delay doubles.
	BaseDelay time.Duration
}

// DefaultRetryConfig returns 3 retries starting at 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retryable reports whether err may succeed on another attempt. Client errors (400) and cancellation are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return platform.StatusCode(err) != http.StatusBadRequest
}

// RetryWithBackoff calls fn until it succeeds, fails with a non-retryable error, or cfg.MaxRetries retries are
// spent. Delays follow an exponential schedule without jitter. onRetry, when set, is called before each sleep.
func RetryWithBackoff[T any](ctx context.Context, cfg RetryConfig, sleep Sleeper, onRetry func(attempt int, delay time.Duration, err error), fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if sleep == nil {
		sleep = SleepContext
	}
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.BaseDelay << cfg.MaxRetries,
	}
	schedule.Reset()

	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= cfg.MaxRetries || !Retryable(err) {
			return v, err
		}
		delay := schedule.NextBackOff()
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return v, errors.Join(err, serr)
		}
	}
}
