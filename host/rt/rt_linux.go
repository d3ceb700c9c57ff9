//go:build linux

package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LockMemory pins current and future pages so the control loop never
// takes a page fault
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("rt: mlockall: %w", err)
	}
	return nil
}

// UnlockMemory releases LockMemory
func UnlockMemory() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("rt: munlockall: %w", err)
	}
	return nil
}
