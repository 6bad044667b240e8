// Package migrations embeds the per-dialect schema for the relational store.
package migrations

import "embed"

//go:embed sqlite3/*.sql postgres/*.sql
var FS embed.FS
