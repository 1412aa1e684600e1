// Package runtime is the Runtime Adapter: a thin shim over the Docker
// engine exposing one method per capability the core needs
// (create/start/stop/remove, exec, archive put/get, image pull/inspect,
// volume remove, label-filtered list). Every method blocks in the
// engine's own sense.
package runtime
