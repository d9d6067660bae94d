// Package repository persists the remote intelligence documents: the per-user intelligence_state and the
// admin-controlled global_policy.
package repository

import (
	"context"
	"encoding/json"

	"intelligence-substrate/core/internal/policy/domain"
)

// GlobalPolicyID is the row id of the single global policy document.
const GlobalPolicyID = "default"

// Repository defines persistence for the remote documents. Missing documents are (nil, nil), not errors.
type Repository interface {
	// GetIntelligenceState returns the raw state document for uid.
	GetIntelligenceState(ctx context.Context, uid string) (json.RawMessage, error)
	// PutIntelligenceState replaces the state document for uid.
	PutIntelligenceState(ctx context.Context, uid string, doc json.RawMessage) error
	GetGlobalPolicy(ctx context.Context) (*domain.GlobalPolicy, error)
	PutGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error
}
