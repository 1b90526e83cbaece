// Package migrations embeds the SQL migrations applied by the migrate and
// tenant commands.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
