// Package migrations embeds the SQL schema so binaries can migrate without
// a checkout. File naming follows golang-migrate: {version}_{name}.up.sql.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
