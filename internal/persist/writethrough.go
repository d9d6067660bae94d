// Package persist provides the write-through persistence component shared by the telemetry queue, the policy
// engine state, and the caches.
//
// Consistency contract: values are eventually persisted and reads never block on writes. Save snapshots the value
// (JSON) immediately and returns; a single background writer drains pending snapshots to the DurableStore with
// last-write-wins per key. Load observes pending and in-flight snapshots before the store, so a read after Save
// always sees the saved value even if the store write has not finished. A failed write is re-queued unless a newer
// snapshot for the key has arrived, and is retried on the next drain.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/platform"
)

// writeTimeout bounds a single background drain.
const writeTimeout = 5 * time.Second

type entry struct {
	data    []byte
	deleted bool
}

// WriteThrough is a write-behind cache in front of a DurableStore.
type WriteThrough struct {
	store  platform.DurableStore
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]entry
	// inflight holds snapshots taken by drain until their store write returns.
	inflight map[string]entry
	closed   bool

	// writeMu serializes take+write so an older snapshot can never land after a newer one.
	writeMu sync.Mutex

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a WriteThrough over store and starts its background writer. Call Close to stop it.
func New(store platform.DurableStore, logger *zap.Logger) *WriteThrough {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WriteThrough{
		store:    store,
		logger:   logger,
		pending:  make(map[string]entry),
		inflight: make(map[string]entry),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Save snapshots v under key and schedules the durable write. It never blocks on storage.
func (w *WriteThrough) Save(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("persist: marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	w.enqueue(key, entry{data: data})
}

// Delete schedules removal of key.
func (w *WriteThrough) Delete(key string) {
	w.enqueue(key, entry{deleted: true})
}

// SaveNow writes v under key synchronously, superseding any pending snapshot for key. Used on teardown paths
// where the background writer may not get another chance to run.
func (w *WriteThrough) SaveNow(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
	return w.store.Put(ctx, key, data)
}

// Load decodes the latest value for key into into. found is false when the key has never been saved or was
// deleted. A decode error is returned with found=true so callers can log and fall back to defaults.
func (w *WriteThrough) Load(ctx context.Context, key string, into any) (found bool, err error) {
	raw, found, err := w.LoadRaw(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, json.Unmarshal(raw, into)
}

// LoadRaw returns the latest bytes for key.
func (w *WriteThrough) LoadRaw(ctx context.Context, key string) ([]byte, bool, error) {
	w.mu.Lock()
	e, ok := w.pending[key]
	if !ok {
		e, ok = w.inflight[key]
	}
	w.mu.Unlock()
	if ok {
		if e.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), e.data...), true, nil
	}
	raw, err := w.store.Get(ctx, key)
	if errors.Is(err, platform.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Flush writes every pending snapshot synchronously and returns the first error.
func (w *WriteThrough) Flush(ctx context.Context) error {
	return w.drain(ctx)
}

// Close stops the background writer and flushes what is pending.
func (w *WriteThrough) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	w.wg.Wait()
	return w.drain(ctx)
}

func (w *WriteThrough) enqueue(key string, e entry) {
	w.mu.Lock()
	w.pending[key] = e
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *WriteThrough) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := w.drain(ctx); err != nil {
				w.logger.Warn("persist: background write failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (w *WriteThrough) drain(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]entry, len(batch))
	for key, e := range batch {
		w.inflight[key] = e
	}
	w.mu.Unlock()

	var firstErr error
	for key, e := range batch {
		var err error
		if e.deleted {
			err = w.store.Delete(ctx, key)
		} else {
			err = w.store.Put(ctx, key, e.data)
		}
		w.mu.Lock()
		if _, newer := w.pending[key]; err != nil && !newer {
			w.pending[key] = e
		}
		delete(w.inflight, key)
		w.mu.Unlock()
		if err != nil {
			w.logger.Warn("persist: write failed, will retry", zap.String("key", key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
