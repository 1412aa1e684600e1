package runtime

import "errors"

// ErrNotFound is wrapped into a DockerRuntime error whenever the engine
// reports the runtime object is gone. Callers (Container Manager,
// reconciliation) check for it with errors.Is to distinguish
// runtime-missing from other engine failures.
var ErrNotFound = errors.New("runtime: object not found")
