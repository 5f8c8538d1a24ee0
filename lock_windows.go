//go:build windows

package tinylsm

import (
	"os"
)

// acquireLock is a no-op on Windows. The open LOCK handle only guards
// against deletion; two processes can still open the same directory.
func acquireLock(f *os.File) error {
	return nil
}

func releaseLockFile(f *os.File) {}
