// Package lifecycle implements platform.LifecycleHooks for a long-running process: an online/offline indicator
// with transition callbacks, and a one-shot unload notification bridged from OS signals.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Hooks is a LifecycleHooks implementation driven by SetOnline and Unload.
type Hooks struct {
	mu       sync.Mutex
	online   bool
	unloaded bool
	nextID   int
	onOnline map[int]func()
	onUnload map[int]func()
}

// New returns Hooks with the given initial connectivity.
func New(online bool) *Hooks {
	return &Hooks{
		online:   online,
		onOnline: make(map[int]func()),
		onUnload: make(map[int]func()),
	}
}

// IsOnline reports the current indicator.
func (h *Hooks) IsOnline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// OnOnline registers f for offline→online transitions.
func (h *Hooks) OnOnline(f func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.onOnline[id] = f
	return func() {
		h.mu.Lock()
		delete(h.onOnline, id)
		h.mu.Unlock()
	}
}

// OnUnload registers f to run when Unload is called.
func (h *Hooks) OnUnload(f func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.onUnload[id] = f
	return func() {
		h.mu.Lock()
		delete(h.onUnload, id)
		h.mu.Unlock()
	}
}

// SetOnline updates the indicator. An offline→online transition runs the registered callbacks synchronously
// on the caller's goroutine.
func (h *Hooks) SetOnline(online bool) {
	h.mu.Lock()
	was := h.online
	h.online = online
	var fns []func()
	if online && !was {
		fns = collect(h.onOnline)
	}
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// Unload runs the unload callbacks once. Later calls are no-ops.
func (h *Hooks) Unload() {
	h.mu.Lock()
	if h.unloaded {
		h.mu.Unlock()
		return
	}
	h.unloaded = true
	fns := collect(h.onUnload)
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// WatchSignals calls Unload on SIGINT/SIGTERM and then cancels the returned context, so callers can run
// teardown delivery before exiting. The watcher stops when parent is done.
func (h *Hooks) WatchSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(quit)
		select {
		case <-quit:
			h.Unload()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func collect(m map[int]func()) []func() {
	out := make([]func(), 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	return out
}
