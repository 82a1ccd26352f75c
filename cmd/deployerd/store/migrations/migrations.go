package migrations

import "embed"

// FS holds the SQL migrations of the deployerd database.
//go:embed *.sql
var FS embed.FS
