// Package telemetry implements the durable, batched event queue and its delivery to the analytics ingest.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/persist"
	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/telemetry/domain"
)

// QueueKey is the durable storage key of the event queue.
const QueueKey = "telemetry_queue_v1"

const (
	DefaultMaxQueueSize  = 100
	DefaultBatchLimit    = 10
	DefaultFlushInterval = 5 * time.Second
)

// flushTimeout bounds a timer- or hook-driven flush.
const flushTimeout = 15 * time.Second

// FlushKind classifies the outcome of a flush attempt.
type FlushKind int

const (
	// FlushSkipped means another flush was in flight.
	FlushSkipped FlushKind = iota
	// FlushOffline means the liveness probe reported offline; the queue was persisted and a retry scheduled.
	FlushOffline
	// FlushEmpty means there was nothing to send.
	FlushEmpty
	// FlushSent means the batch was accepted by the sender.
	FlushSent
	// FlushFailed means the sender returned an error. The batch is not re-queued.
	FlushFailed
)

func (k FlushKind) String() string {
	switch k {
	case FlushSkipped:
		return "skipped"
	case FlushOffline:
		return "offline"
	case FlushEmpty:
		return "empty"
	case FlushSent:
		return "sent"
	case FlushFailed:
		return "failed"
	default:
		return fmt.Sprintf("FlushKind(%d)", int(k))
	}
}

// FlushResult is the typed outcome of Flush. Callers on the scheduler path log and suppress it.
type FlushResult struct {
	Kind FlushKind
	// Events is the number of events taken from the queue for this attempt.
	Events int
	Err    error
}

// TokenSource resolves the ingest auth token.
type TokenSource interface {
	// Token fetches a live token.
	Token(ctx context.Context) (string, error)
	// Cached returns the last token Token produced successfully.
	Cached() (string, bool)
}

// Config sizes the queue and its scheduling.
type Config struct {
	MaxQueueSize  int
	BatchLimit    int
	FlushInterval time.Duration
}

// DefaultConfig returns the default queue sizing.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:  DefaultMaxQueueSize,
		BatchLimit:    DefaultBatchLimit,
		FlushInterval: DefaultFlushInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.BatchLimit > c.MaxQueueSize {
		c.BatchLimit = c.MaxQueueSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Deps are the collaborators of a Transport. Store, Sender and Hooks are required.
type Deps struct {
	Store  *persist.WriteThrough
	Sender Sender
	Hooks  platform.LifecycleHooks
	// Tokens may be nil; batches are then sent with a null token.
	Tokens TokenSource
	// Clock defaults to platform.SystemClock().
	Clock platform.Clock
	// Meters defaults to a no-op provider.
	Meters metric.MeterProvider
	Logger *zap.Logger
}

// Transport is the bounded, persisted event queue. LogEvent never blocks on I/O; delivery happens on an
// immediate flush at BatchLimit, a debounced timer, an online transition, or unload.
type Transport struct {
	cfg    Config
	store  *persist.WriteThrough
	sender Sender
	hooks  platform.LifecycleHooks
	tokens TokenSource
	clock  platform.Clock
	logger *zap.Logger
	ins    instruments

	mu       sync.Mutex
	queue    []domain.TelemetryEvent
	flushing bool
	timer    platform.Timer
	started  bool
	closed   bool
	unsubs   []func()

	// wg tracks immediate flushes started by LogEvent.
	wg sync.WaitGroup
}

// NewTransport returns a Transport. Call Init before use.
func NewTransport(cfg Config, deps Deps) *Transport {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = platform.SystemClock()
	}
	return &Transport{
		cfg:    cfg.withDefaults(),
		store:  deps.Store,
		sender: deps.Sender,
		hooks:  deps.Hooks,
		tokens: deps.Tokens,
		clock:  clock,
		logger: logger,
		ins:    newInstruments(deps.Meters, logger),
	}
}

// Init restores the persisted queue and subscribes to lifecycle hooks. Calling it again is a no-op.
func (t *Transport) Init(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	var restored []domain.TelemetryEvent
	if _, err := t.store.Load(ctx, QueueKey, &restored); err != nil {
		t.logger.Warn("telemetry: discarding unreadable persisted queue", zap.Error(err))
		restored = nil
	}
	if over := len(restored) - t.cfg.MaxQueueSize; over > 0 {
		restored = restored[over:]
	}

	unsubOnline := t.hooks.OnOnline(t.onOnline)
	unsubUnload := t.hooks.OnUnload(t.FlushOnUnload)

	t.mu.Lock()
	t.queue = append(restored, t.queue...)
	if over := len(t.queue) - t.cfg.MaxQueueSize; over > 0 {
		t.queue = tail(t.queue, over)
	}
	t.unsubs = append(t.unsubs, unsubOnline, unsubUnload)
	if len(t.queue) > 0 {
		t.scheduleLocked(false)
	}
	t.mu.Unlock()
	if len(restored) > 0 {
		t.logger.Info("telemetry: restored queue", zap.Int("events", len(restored)))
	}
}

// LogEvent validates and enqueues e, evicting the oldest entries beyond the cap, and persists the queue. At
// BatchLimit a flush starts immediately on a goroutine; otherwise the debounce timer is (re)armed.
func (t *Transport) LogEvent(e domain.TelemetryEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	ctx := context.Background()

	t.mu.Lock()
	t.queue = append(t.queue, e)
	dropped := 0
	if over := len(t.queue) - t.cfg.MaxQueueSize; over > 0 {
		dropped = over
		t.queue = tail(t.queue, over)
	}
	t.store.Save(QueueKey, t.queue)

	var batch []domain.TelemetryEvent
	immediate := false
	if len(t.queue) >= t.cfg.BatchLimit && !t.flushing && !t.closed {
		if t.hooks.IsOnline() {
			batch = t.takeLocked()
			immediate = true
		}
	}
	if !immediate {
		t.scheduleLocked(true)
	}
	t.mu.Unlock()

	t.ins.enqueued.Add(ctx, 1)
	if dropped > 0 {
		t.ins.dropped.Add(ctx, int64(dropped))
		t.logger.Debug("telemetry: queue full, dropped oldest", zap.Int("dropped", dropped))
	}
	if immediate {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			t.report(t.deliver(ctx, batch))
		}()
	}
	return nil
}

// Flush delivers at most BatchLimit events from the head of the queue. The batch is removed from the queue and
// the remainder persisted before any network I/O. Only one flush runs at a time; a concurrent call returns
// FlushSkipped.
func (t *Transport) Flush(ctx context.Context) FlushResult {
	online := t.hooks.IsOnline()

	t.mu.Lock()
	if t.flushing {
		t.mu.Unlock()
		return FlushResult{Kind: FlushSkipped}
	}
	t.stopTimerLocked()
	if !online {
		t.store.Save(QueueKey, t.queue)
		if len(t.queue) > 0 {
			t.scheduleLocked(false)
		}
		t.mu.Unlock()
		res := FlushResult{Kind: FlushOffline}
		t.ins.recordFlush(ctx, res)
		return res
	}
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return FlushResult{Kind: FlushEmpty}
	}
	batch := t.takeLocked()
	t.mu.Unlock()
	return t.deliver(ctx, batch)
}

// FlushOnUnload synchronously takes one batch, persists the remainder, and hands the batch to the sender's
// beacon path with the cached token. No live token fetch or awaited network I/O happens here.
func (t *Transport) FlushOnUnload() {
	t.mu.Lock()
	t.stopTimerLocked()
	n := min(len(t.queue), t.cfg.BatchLimit)
	batch := append([]domain.TelemetryEvent(nil), t.queue[:n]...)
	t.queue = tail(t.queue, n)
	remaining := tail(t.queue, 0)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()
	if err := t.store.SaveNow(ctx, QueueKey, remaining); err != nil {
		t.logger.Warn("telemetry: persist on unload failed", zap.Error(err))
	}
	if len(batch) == 0 {
		return
	}
	var token *string
	if t.tokens != nil {
		if cached, ok := t.tokens.Cached(); ok {
			token = &cached
		}
	}
	if !t.sender.Beacon(domain.Batch{Token: token, Events: batch}) {
		t.logger.Warn("telemetry: beacon rejected on unload", zap.Int("events", len(batch)))
	}
}

// Len returns the number of queued events.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Snapshot returns a copy of the queue.
func (t *Transport) Snapshot() []domain.TelemetryEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tail(t.queue, 0)
}

// tail returns a fresh copy of q[from:], never nil, so the persisted queue is always a JSON array.
func tail(q []domain.TelemetryEvent, from int) []domain.TelemetryEvent {
	out := make([]domain.TelemetryEvent, len(q)-from)
	copy(out, q[from:])
	return out
}

// Close stops the timer, unsubscribes from lifecycle hooks, and waits for immediate flushes in flight.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.stopTimerLocked()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	t.wg.Wait()
}

// takeLocked removes up to BatchLimit head events, persists the remainder, and marks a flush in flight.
func (t *Transport) takeLocked() []domain.TelemetryEvent {
	t.stopTimerLocked()
	n := min(len(t.queue), t.cfg.BatchLimit)
	batch := append([]domain.TelemetryEvent(nil), t.queue[:n]...)
	t.queue = tail(t.queue, n)
	t.store.Save(QueueKey, t.queue)
	t.flushing = true
	return batch
}

func (t *Transport) deliver(ctx context.Context, batch []domain.TelemetryEvent) FlushResult {
	token := t.resolveToken(ctx)
	err := t.sender.Send(ctx, domain.Batch{Token: token, Events: batch})

	res := FlushResult{Kind: FlushSent, Events: len(batch)}
	if err != nil {
		res = FlushResult{Kind: FlushFailed, Events: len(batch), Err: err}
	}
	t.mu.Lock()
	t.flushing = false
	if len(t.queue) > 0 {
		t.scheduleLocked(false)
	}
	t.mu.Unlock()
	t.ins.recordFlush(ctx, res)
	return res
}

func (t *Transport) resolveToken(ctx context.Context) *string {
	if t.tokens == nil {
		return nil
	}
	tok, err := t.tokens.Token(ctx)
	if err == nil && tok != "" {
		return &tok
	}
	if err != nil {
		t.logger.Debug("telemetry: live token unavailable, using cached", zap.Error(err))
	}
	if cached, ok := t.tokens.Cached(); ok {
		return &cached
	}
	return nil
}

// scheduleLocked arms the flush timer. With reset the pending timer is restarted (debounce); otherwise an
// already armed timer is kept.
func (t *Transport) scheduleLocked(reset bool) {
	if t.closed {
		return
	}
	if t.timer != nil {
		if !reset {
			return
		}
		t.timer.Stop()
	}
	var self platform.Timer
	self = t.clock.AfterFunc(t.cfg.FlushInterval, func() {
		t.mu.Lock()
		if t.timer == self {
			t.timer = nil
		}
		t.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		t.report(t.Flush(ctx))
	})
	t.timer = self
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) onOnline() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	t.report(t.Flush(ctx))
}

// report logs a scheduler-driven flush outcome. Failures are suppressed: the remainder stays queued.
func (t *Transport) report(res FlushResult) {
	switch res.Kind {
	case FlushFailed:
		t.logger.Warn("telemetry: flush failed", zap.Int("events", res.Events), zap.Error(res.Err))
	case FlushSent:
		t.logger.Debug("telemetry: flushed", zap.Int("events", res.Events))
	case FlushOffline:
		t.logger.Debug("telemetry: offline, flush deferred")
	}
}
