//go:build unix

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireFileLock blocks until it holds an exclusive lock on path, so
// writers in other processes sharing the sandbox root take turns.
func acquireFileLock(path string) (*os.File, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return lockFile, nil
}

// releaseFileLock unlocks and closes the lock file. The file itself is left
// in place; removing it would let a waiter lock an unlinked inode.
func releaseFileLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	_ = lockFile.Close()
}
