// Package container is the Container Manager: owns container creation,
// lifecycle transitions, and idempotent spawn semantics, over the
// Durable Store, Runtime Adapter, Image Policy, and Security Profile.
package container
