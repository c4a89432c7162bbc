// Package migrations registers the goose migrations for the activation schema.
package migrations

import "embed"

// FS exposes the migration sources so goose can resolve registered Go migrations by file name.
//
//go:embed 0*.go
var FS embed.FS
