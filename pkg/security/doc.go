// Package security is the Security Profile: the static set of runtime
// options (non-root uid, dropped capabilities, no-new-privileges,
// read-only rootfs, resource limits) applied to every created
// container, plus the per-exec user decision for as_root requests.
package security
