// Package policycache caches the global policy document in memory and in the durable store with a short TTL.
package policycache

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"intelligence-substrate/core/internal/persist"
	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/policy/domain"
)

// CacheKey is the durable storage key of the cached policy.
const CacheKey = "global_policy_cache_v1"

// DefaultTTL bounds how stale a cached policy may be.
const DefaultTTL = 60 * time.Second

// Source fetches the global policy. A missing document is (nil, nil).
type Source interface {
	GetGlobalPolicy(ctx context.Context) (*domain.GlobalPolicy, error)
}

// entry is the durable form: the policy stamped with cachedAt (Unix ms).
type entry struct {
	domain.GlobalPolicy
	CachedAt int64 `json:"cachedAt"`
}

// Cache serves the global policy with stale-while-revalidate fallback.
type Cache struct {
	src    Source
	store  *persist.WriteThrough
	ttl    time.Duration
	clock  platform.Clock
	logger *zap.Logger
	group  singleflight.Group

	mu  sync.Mutex
	mem *entry
}

// New returns a Cache. ttl <= 0 uses DefaultTTL; a nil clock uses the system clock.
func New(src Source, store *persist.WriteThrough, ttl time.Duration, clock platform.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = platform.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{src: src, store: store, ttl: ttl, clock: clock, logger: logger}
}

// Get returns the policy. A fresh in-memory copy is returned directly; otherwise concurrent callers share one
// remote fetch. When the fetch fails, a durable copy younger than the TTL still serves (the in-memory copy when
// present); past that the defaults are returned together with the error.
func (c *Cache) Get(ctx context.Context) (domain.GlobalPolicy, error) {
	now := c.clock.Now()
	c.mu.Lock()
	if c.mem != nil && c.fresh(c.mem, now) {
		p := clonePolicy(c.mem.GlobalPolicy)
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(CacheKey, func() (any, error) {
		return c.fetch(ctx)
	})
	if err == nil {
		return clonePolicy(v.(domain.GlobalPolicy)), nil
	}

	c.logger.Warn("policycache: fetch failed", zap.Error(err))
	var durable entry
	found, lerr := c.store.Load(ctx, CacheKey, &durable)
	if lerr != nil {
		c.logger.Warn("policycache: load durable copy failed", zap.Error(lerr))
	}
	if found && lerr == nil && c.fresh(&durable, c.clock.Now()) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.mem != nil {
			return clonePolicy(c.mem.GlobalPolicy), nil
		}
		return clonePolicy(durable.GlobalPolicy.Normalized()), nil
	}
	return domain.DefaultGlobalPolicy(), err
}

// Invalidate drops the in-memory copy so the next Get fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.mem = nil
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context) (domain.GlobalPolicy, error) {
	doc, err := c.src.GetGlobalPolicy(ctx)
	if err != nil {
		return domain.GlobalPolicy{}, err
	}
	p := domain.DefaultGlobalPolicy()
	if doc != nil {
		p = doc.Normalized()
	}
	e := &entry{GlobalPolicy: p, CachedAt: c.clock.Now().UnixMilli()}

	c.mu.Lock()
	c.mem = e
	c.store.Save(CacheKey, e)
	c.mu.Unlock()
	return p, nil
}

func (c *Cache) fresh(e *entry, now time.Time) bool {
	return now.Sub(time.UnixMilli(e.CachedAt)) < c.ttl
}

func clonePolicy(p domain.GlobalPolicy) domain.GlobalPolicy {
	p.TokenPolicy = maps.Clone(p.TokenPolicy)
	p.ModelMapping = maps.Clone(p.ModelMapping)
	return p.Normalized()
}
