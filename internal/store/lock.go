package store

import (
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// Lock is an advisory cross-process lock on one configuration file,
// realized as a sibling "<file>-lock" created exclusively. The lock
// file's existence is the contract; any cooperating process (the GUI
// editor included) creates and removes the same file.
type Lock struct {
	path string
}

// lockAttempts is how many times acquisition retries before giving up.
const lockAttempts = 5

// lockDelay spaces the acquisition retries.
const lockDelay = 500 * time.Millisecond

// AcquireLock takes the advisory lock for path, retrying up to five
// times when another process holds it.
func AcquireLock(path string) (*Lock, error) {
	lockPath := path + "-lock"
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			// Record the holder for operators inspecting a stale lock.
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		},
		IsFatalError: func(err error) bool {
			// Only contention (the file already exists) is retryable.
			return !os.IsExist(err)
		},
		Attempts: lockAttempts,
		Delay:    lockDelay,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	return &Lock{path: lockPath}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l.path == "" {
		return
	}
	os.Remove(l.path)
	l.path = ""
}
