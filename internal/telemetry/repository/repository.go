// Package repository archives delivered telemetry events in Postgres so they can be queried per session.
package repository

import (
	"context"

	"intelligence-substrate/core/internal/telemetry/domain"
)

// Repository defines persistence for telemetry events.
type Repository interface {
	// SaveBatch stores every event of one batch atomically.
	SaveBatch(ctx context.Context, events []domain.TelemetryEvent) error
	// ListBySession returns up to limit events for sessionID, oldest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.TelemetryEvent, error)
}
