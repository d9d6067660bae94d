package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"intelligence-substrate/core/internal/telemetry/domain"
)

const (
	insertEventSQL = `INSERT INTO telemetry_events (session_id, uid, app_id, event_type, context, label, ts, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	listBySessionSQL = `SELECT session_id, uid, app_id, event_type, context, label, ts, meta
FROM telemetry_events WHERE session_id = $1 ORDER BY ts, id LIMIT $2`
)

// PostgresRepository stores one row per event in telemetry_events (see internal/db/migrations).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveBatch inserts events in a single transaction.
func (r *PostgresRepository) SaveBatch(ctx context.Context, events []domain.TelemetryEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		meta, merr := eventMetadata(e.Meta)
		if merr != nil {
			return fmt.Errorf("repository: event meta: %w", merr)
		}
		if _, err = stmt.ExecContext(ctx, e.SessionID, nullString(e.UID), e.AppID, string(e.EventType),
			e.Context, e.Label, e.Timestamp, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListBySession returns up to limit events recorded for sessionID.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.TelemetryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, listBySessionSQL, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TelemetryEvent
	for rows.Next() {
		var (
			e    domain.TelemetryEvent
			uid  sql.NullString
			kind string
			meta []byte
		)
		if err := rows.Scan(&e.SessionID, &uid, &e.AppID, &kind, &e.Context, &e.Label, &e.Timestamp, &meta); err != nil {
			return nil, err
		}
		e.UID = uid.String
		e.EventType = domain.EventType(kind)
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("repository: event meta: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func eventMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
