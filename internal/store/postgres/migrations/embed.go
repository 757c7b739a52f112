package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for the metrics cache.
//
//go:embed *.sql
var FS embed.FS
