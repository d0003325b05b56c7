// Package migrations embeds the SQLite schema of the recovery store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
