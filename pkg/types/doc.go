// Package types defines the domain entities shared across devbench:
// Container and its lifecycle status, Attachment windows, Exec and its
// resource usage accounting, FileInfo for workspace paths, and
// ResolvedImage for Image Policy outcomes. It also carries the error
// taxonomy (errors.go) every manager returns so callers can distinguish
// not-found, conflict, and validation failures by type.
package types
