//go:build unix

package pidfile

import (
	"fmt"
	"os"
	"syscall"
)

// lockFile blocks until it holds an exclusive flock on file
func lockFile(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", file.Name(), err)
	}
	return nil
}

func unlockFile(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
