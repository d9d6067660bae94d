package db

import "embed"

// MigrationFS embeds the SQL migrations for the remote documents (intelligence_state, global_policy).
// Applied by internal/db/migrate and cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
