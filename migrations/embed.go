// Package migrations embeds the goose SQL migrations for the node database.
package migrations

import "embed"

// FS holds the migration files.
//
//go:embed *.sql
var FS embed.FS
