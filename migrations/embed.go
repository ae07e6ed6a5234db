// Package migrations embeds the baseline tenant schema as goose SQL
// files.  The migration runner and the provisioning workflow both apply
// this set; goose's version table inside each tenant database makes
// reapplication a no-op.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
