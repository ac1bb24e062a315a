// Package migrations embeds the Foresta SQLite schema.
package migrations

import "embed"

// FS holds the ordered migration files.
//
//go:embed *.sql
var FS embed.FS
