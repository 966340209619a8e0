// Package migrations embeds the schema of the local campus backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
