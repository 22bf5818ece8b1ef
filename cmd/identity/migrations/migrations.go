// Package migrations embeds the identity schema for each supported dialect.
package migrations

import "embed"

// FS holds postgres/*.sql and sqlite/*.sql goose migrations.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
