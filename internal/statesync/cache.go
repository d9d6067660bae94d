// Package statesync keeps a locally cached copy of the server-computed intelligence state and forwards fresh
// documents to the policy engine.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/persist"
	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/policy/domain"
)

// CacheKey is the durable storage key of the cached state.
const CacheKey = "intelligence_state_cache_v1"

// DefaultInterval is the refresh period.
const DefaultInterval = 60 * time.Second

const refreshTimeout = 30 * time.Second

// ErrNoUser is returned by Refresh when no user id is configured.
var ErrNoUser = errors.New("statesync: no user id")

// Source fetches the canonical state document. A missing document is (nil, nil).
// Implemented by *repository.PostgresRepository and *repository.MemoryRepository.
type Source interface {
	GetIntelligenceState(ctx context.Context, uid string) (json.RawMessage, error)
}

// Listener receives the top-level fields of each successfully fetched document.
type Listener func(partial domain.Partial)

// Config holds sync settings.
type Config struct {
	UID      string
	Interval time.Duration
}

// Deps are the cache's collaborators. Store and Source are required.
type Deps struct {
	Store    *persist.WriteThrough
	Source   Source
	Listener Listener
	Clock    platform.Clock
	Logger   *zap.Logger
}

// Cache holds the last known server state.
type Cache struct {
	cfg      Config
	store    *persist.WriteThrough
	source   Source
	listener Listener
	clock    platform.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	state   domain.SystemState
	started bool
	stopped bool
	timer   platform.Timer
}

// New returns a Cache holding DefaultState until Init.
func New(cfg Config, deps Deps) *Cache {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Cache{
		cfg:      cfg,
		store:    deps.Store,
		source:   deps.Source,
		listener: deps.Listener,
		clock:    deps.Clock,
		logger:   deps.Logger,
		state:    domain.DefaultState(),
	}
}

// Init loads the durable copy, performs one best-effort refresh, and starts the recurring refresh. Calling it
// again is a no-op.
func (c *Cache) Init(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	raw, found, err := c.store.LoadRaw(ctx, CacheKey)
	switch {
	case err != nil:
		c.logger.Warn("statesync: load cached state failed", zap.Error(err))
	case found:
		s, err := domain.NormalizeJSON(raw)
		if err != nil {
			c.logger.Warn("statesync: discarding malformed cached state", zap.Error(err))
		}
		c.mu.Lock()
		c.state = s
		c.mu.Unlock()
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Debug("statesync: initial refresh failed", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleLocked()
}

// Refresh fetches the canonical document. A missing document or an error leaves the cached state untouched.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.cfg.UID == "" {
		return ErrNoUser
	}
	raw, err := c.source.GetIntelligenceState(ctx, c.cfg.UID)
	if err != nil {
		c.logger.Warn("statesync: fetch failed", zap.String("uid", c.cfg.UID), zap.Error(err))
		return err
	}
	if raw == nil {
		return nil
	}
	partial, err := domain.ParsePartial(raw)
	if err != nil {
		c.logger.Warn("statesync: discarding malformed document", zap.String("uid", c.cfg.UID), zap.Error(err))
		return err
	}
	state := domain.Normalize(partial)

	c.mu.Lock()
	c.state = state
	c.store.Save(CacheKey, state)
	c.mu.Unlock()

	if c.listener != nil {
		c.listener(partial)
	}
	return nil
}

// GetState returns a deep copy of the cached state.
func (c *Cache) GetState() domain.SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Stop cancels the recurring refresh. A stopped cache cannot be restarted.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Cache) scheduleLocked() {
	if c.stopped || c.timer != nil {
		return
	}
	var t platform.Timer
	t = c.clock.AfterFunc(c.cfg.Interval, func() {
		c.mu.Lock()
		if c.timer != t {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		_ = c.Refresh(ctx)
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		c.scheduleLocked()
	})
	c.timer = t
}
