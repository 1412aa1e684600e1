// Package fs is the Filesystem Manager: path-confined read, write,
// delete, stat, and list operations against a container's /workspace,
// atomic multi-op batches with rollback, and tar export/import with
// archive-content validation. Every path is normalized and confined to
// /workspace before it reaches the Runtime Adapter.
package fs
