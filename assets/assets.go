// Package assets embeds the SQL migrations of the persistent tile cache.
package assets

import "embed"

const (
	SqliteMigrationDir = "migrations/sqlite"
)

//go:embed migrations/*
var EmbedMigrations embed.FS
