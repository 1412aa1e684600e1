// Package storage provides the SQLite-backed durable store: containers,
// attachments, and execs, each behind a typed repository and versioned
// schema migrations applied at Open.
package storage
