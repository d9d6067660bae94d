package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"intelligence-substrate/core/internal/policy/domain"
)

// MemoryRepository is an in-process Repository for local runs and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]json.RawMessage
	policy *domain.GlobalPolicy
	err    error
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]json.RawMessage)}
}

// Fail makes every subsequent call return err (nil restores normal behavior).
func (r *MemoryRepository) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *MemoryRepository) GetIntelligenceState(_ context.Context, uid string) (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}
	doc, ok := r.states[uid]
	if !ok {
		return nil, nil
	}
	return slices.Clone(doc), nil
}

func (r *MemoryRepository) PutIntelligenceState(_ context.Context, uid string, doc json.RawMessage) error {
	if uid == "" {
		return errors.New("repository: empty uid")
	}
	if _, err := domain.ParsePartial(doc); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.states[uid] = slices.Clone(doc)
	return nil
}

func (r *MemoryRepository) GetGlobalPolicy(context.Context) (*domain.GlobalPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.policy == nil {
		return nil, nil
	}
	p := *r.policy
	p.TokenPolicy = maps.Clone(p.TokenPolicy)
	p.ModelMapping = maps.Clone(p.ModelMapping)
	return &p, nil
}

func (r *MemoryRepository) PutGlobalPolicy(_ context.Context, p domain.GlobalPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	p = p.Normalized()
	p.TokenPolicy = maps.Clone(p.TokenPolicy)
	p.ModelMapping = maps.Clone(p.ModelMapping)
	r.policy = &p
	return nil
}
