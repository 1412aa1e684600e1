// Package reconciler is the Reconciliation Engine: at boot and on
// demand, aligns the durable store with the runtime's view — adopting
// runtime-labelled containers the store has never seen, marking
// runtime-missing containers stopped, garbage-collecting aged
// transients, syncing status for containers present on both sides, and
// running exec/idempotency retention and a store vacuum.
package reconciler
