// Package storage persists all control-plane state in a single SQLite
// database. The database is the only source of truth: every contended task or
// worker mutation goes through a row-level compare-and-swap ("UPDATE WHERE
// id=? AND status=?") so callers never need application-level locks, and a
// zero-rowcount update is surfaced as swapped=false rather than an error.
package storage
