package sys

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// LockDir takes the exclusive advisory lock file `name` inside dir. Only one
// writer may own a log directory at a time.
func LockDir(dir, name string, timeout time.Duration) (func() error, error) {
	release, err := AcquireOSFileLock(filepath.Join(dir, name), timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock directory %s: %w", dir, err)
	}
	return release, nil
}
