// Package migrations embeds the SQL schema migrations applied by
// noesis-migrate. Files follow the goose naming and annotation conventions.
package migrations

import "embed"

// FS holds the versioned migration files.
//
//go:embed *.sql
var FS embed.FS
