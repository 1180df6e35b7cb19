//go:build windows

package pidfile

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var kernel32 = syscall.NewLazyDLL("kernel32.dll")

const lockExclusive = 0x2

// lockFile blocks until it holds an exclusive lock on the first byte of file
func lockFile(file *os.File) error {
	var ov syscall.Overlapped
	proc := kernel32.NewProc("LockFileEx")
	if ok, _, err := proc.Call(file.Fd(), lockExclusive, 0, 1, 0, uintptr(unsafe.Pointer(&ov))); ok == 0 {
		return fmt.Errorf("failed to lock %s: %w", file.Name(), err)
	}
	return nil
}

func unlockFile(file *os.File) error {
	var ov syscall.Overlapped
	proc := kernel32.NewProc("UnlockFileEx")
	if ok, _, err := proc.Call(file.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&ov))); ok == 0 {
		return err
	}
	return nil
}
