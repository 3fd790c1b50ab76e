//go:build !unix

package sandbox

import (
	"os"
	"sync"
)

var localWriteMu sync.Mutex

// Without flock, writers are only serialised within this process.
func acquireFileLock(string) (*os.File, error) {
	localWriteMu.Lock()
	return nil, nil
}

func releaseFileLock(*os.File) {
	localWriteMu.Unlock()
}
