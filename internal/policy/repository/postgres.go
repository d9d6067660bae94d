package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"intelligence-substrate/core/internal/policy/domain"
)

const (
	getStateSQL = `SELECT doc FROM intelligence_state WHERE uid = $1`
	putStateSQL = `INSERT INTO intelligence_state (uid, doc, updated_at) VALUES ($1, $2, now())
ON CONFLICT (uid) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`
	getPolicySQL = `SELECT doc FROM global_policy WHERE id = $1`
	putPolicySQL = `INSERT INTO global_policy (id, doc, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`
)

// PostgresRepository stores documents as JSONB rows (see internal/db/migrations).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetIntelligenceState returns the document for uid, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetIntelligenceState(ctx context.Context, uid string) (json.RawMessage, error) {
	var doc []byte
	if err := r.db.QueryRowContext(ctx, getStateSQL, uid).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return json.RawMessage(doc), nil
}

// PutIntelligenceState upserts the document for uid. doc must be a JSON object.
func (r *PostgresRepository) PutIntelligenceState(ctx context.Context, uid string, doc json.RawMessage) error {
	if uid == "" {
		return errors.New("repository: empty uid")
	}
	if _, err := domain.ParsePartial(doc); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	_, err := r.db.ExecContext(ctx, putStateSQL, uid, []byte(doc))
	return err
}

// GetGlobalPolicy returns the global policy, or nil if none has been stored.
func (r *PostgresRepository) GetGlobalPolicy(ctx context.Context) (*domain.GlobalPolicy, error) {
	var doc []byte
	if err := r.db.QueryRowContext(ctx, getPolicySQL, GlobalPolicyID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var p domain.GlobalPolicy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("repository: decode global policy: %w", err)
	}
	p = p.Normalized()
	return &p, nil
}

// PutGlobalPolicy upserts the global policy.
func (r *PostgresRepository) PutGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error {
	doc, err := json.Marshal(p.Normalized())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, putPolicySQL, GlobalPolicyID, doc)
	return err
}
