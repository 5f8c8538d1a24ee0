//go:build !windows

package tinylsm

import (
	"os"
	"syscall"
)

// acquireLock takes a non-blocking exclusive flock on the store's LOCK
// file so a second process cannot open the same directory.
func acquireLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func releaseLockFile(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
