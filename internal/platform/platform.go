// Package platform defines the small I/O surface the substrate depends on: durable key-value storage,
// network transport, lifecycle hooks, and a clock. Batching, retry, and normalization logic depend only on
// these interfaces, never on a concrete platform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by DurableStore.Get when the key has no value.
var ErrNotFound = errors.New("platform: key not found")

// DurableStore is a byte-oriented key-value store that survives process restarts (the local equivalent of
// browser storage).
type DurableStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NetworkTransport performs JSON requests against the API origin.
type NetworkTransport interface {
	// PostJSON sends body as JSON to path and decodes a 2xx response into out (out may be nil).
	// Non-2xx responses return *StatusError.
	PostJSON(ctx context.Context, path string, body, out any) error
	// OpenStream sends body as JSON to path and returns the response body for incremental reading.
	// The caller must close the returned reader. Non-2xx responses return *StatusError.
	OpenStream(ctx context.Context, path string, body any) (io.ReadCloser, error)
	// Beacon dispatches body to path without waiting for the result. It returns false only when the
	// request could not be queued at all. Used during shutdown when ordinary requests may not complete.
	Beacon(path string, body any) bool
}

// LifecycleHooks exposes connectivity and teardown notifications.
type LifecycleHooks interface {
	// IsOnline reports the current network-online indicator.
	IsOnline() bool
	// OnOnline registers f to run on every offline→online transition. The returned func unsubscribes.
	OnOnline(f func()) (unsubscribe func())
	// OnUnload registers f to run once when the process is tearing down. The returned func unsubscribes.
	OnUnload(f func()) (unsubscribe func())
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if it already fired or was stopped.
	Stop() bool
}

// Clock abstracts time so schedulers can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed status=%d", e.StatusCode)
	}
	return fmt.Sprintf("request failed status=%d body=%s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0 when err is not a *StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
