// Package migrations carries the Postgres schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
