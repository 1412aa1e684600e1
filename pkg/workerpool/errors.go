package workerpool

import "errors"

// ErrStopped is returned by Submit once the pool has been stopped.
var ErrStopped = errors.New("workerpool: stopped")
