// Package migrations embeds the goose SQL migrations so the binary can
// bring its own schema up to date at startup.
package migrations

import "embed"

// FS holds the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS
