// Package migrations embeds the cache schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
