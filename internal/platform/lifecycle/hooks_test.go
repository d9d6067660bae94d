package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestHooks_OnlineTransitionFiresOnce(t *testing.T) {
	h := New(false)
	var calls int
	h.OnOnline(func() { calls++ })

	h.SetOnline(true)
	h.SetOnline(true) // already online: no transition
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	h.SetOnline(false)
	h.SetOnline(true)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 after second transition", calls)
	}
}

func TestHooks_Unsubscribe(t *testing.T) {
	h := New(false)
	var calls int
	unsub := h.OnOnline(func() { calls++ })
	unsub()
	h.SetOnline(true)
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestHooks_UnloadRunsOnce(t *testing.T) {
	h := New(true)
	var calls int
	h.OnUnload(func() { calls++ })
	h.Unload()
	h.Unload()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHooks_CallbackMayReenter(t *testing.T) {
	h := New(false)
	var sawOnline bool
	h.OnOnline(func() { sawOnline = h.IsOnline() })
	h.SetOnline(true)
	if !sawOnline {
		t.Error("callback should observe online=true without deadlocking")
	}
}

type fakePinger struct {
	err atomic.Value
}

func (f *fakePinger) Ping(context.Context) error {
	if v := f.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func TestProber_UpdatesHooks(t *testing.T) {
	h := New(false)
	p := &Prober{Hooks: h, Pinger: &fakePinger{}, Interval: time.Hour}
	p.probeOnce(context.Background(), nopLogger())
	if !h.IsOnline() {
		t.Fatal("successful ping should mark online")
	}

	failing := &fakePinger{}
	failing.err.Store(errors.New("connection refused"))
	p.Pinger = failing
	p.probeOnce(context.Background(), nopLogger())
	if h.IsOnline() {
		t.Error("failed ping should mark offline")
	}
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	h := New(false)
	p := &Prober{Hooks: h, Pinger: &fakePinger{}, Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
