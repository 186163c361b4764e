package lock

import "errors"

// ErrLockUnavailable is returned when Wait exhausts its retry budget
// without acquiring the requested key.
var ErrLockUnavailable = errors.New("lock: unavailable after max retries")
