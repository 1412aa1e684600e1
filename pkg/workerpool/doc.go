// Package workerpool offloads blocking Runtime Adapter and Durable
// Store calls onto a bounded pool of goroutines. pkg/core submits its
// spawn, kill and filesystem operations through it.
package workerpool
