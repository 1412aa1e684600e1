// Package stream is the Output Streamer: a per-exec bounded ring
// buffer of sequenced output and completion chunks, with cursor-based
// polling. State is process-resident only; nothing here is persisted.
package stream
