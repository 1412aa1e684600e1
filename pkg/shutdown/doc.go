// Package shutdown is the Shutdown Coordinator: on a shutdown signal it
// stops the transport from accepting new operations, waits up to a
// grace window for in-flight execs to drain, stops non-persistent
// containers while leaving persistent ones running, and quiesces the
// durable store.
package shutdown
