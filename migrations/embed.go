// Package migrations embeds the SQL migration files for use with goose.
package migrations

import "embed"

// Directories inside FS, one per goose dialect.
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)

// FS contains all goose migration SQL files.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
