// Package health provides the exec-based checker the Warm Pool uses
// to decide whether its parked container is still serviceable: run a
// trivial command inside it over the Runtime Adapter, count
// consecutive failures, and only declare it unhealthy once Retries in
// a row have failed, so one flaky exec does not recycle a good slot.
package health
