package db

import "embed"

// MigrationFS embeds the SQL migrations for beamline users, roles, policies and audit logs.
// Applied by cmd/migrate through the migrate runner.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
