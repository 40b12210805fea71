// Package migrations embeds the SQL schema applied by `mailpulse db migrate`.
package migrations

import "embed"

// FS holds the migration files.
//
//go:embed *.sql
var FS embed.FS
