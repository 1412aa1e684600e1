// Package execmgr is the Exec Manager: admits commands into a
// per-container concurrency cap, runs them asynchronously against the
// Runtime Adapter, ingests their output into the Output Streamer, and
// exposes cancellation and idempotent submission.
package execmgr
