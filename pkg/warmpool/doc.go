// Package warmpool is the Warm Pool: pre-provisions one ready container
// of the default image, serves a single atomic claim operation, and
// replenishes asynchronously. A periodic health checker verifies the
// slot's container is running and responsive, recreating it otherwise.
package warmpool
