// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// Files holds every {version}_{name}.up.sql / .down.sql pair.
//
//go:embed *.sql
var Files embed.FS
