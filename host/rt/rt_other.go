//go:build !linux

package rt

// LockMemory is only implemented on Linux
func LockMemory() error {
	return ErrUnsupported
}

// UnlockMemory is only implemented on Linux
func UnlockMemory() error {
	return ErrUnsupported
}
