// Package storage keeps a bounded history of finished and failed Jobs.
//
// Two backends are available:
//   - "file": JSON Lines, compacted in place
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
package storage
