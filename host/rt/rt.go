// Package rt holds process-level real-time setup.
package rt

import "errors"

// ErrUnsupported is returned on platforms without memory locking
var ErrUnsupported = errors.New("rt: not supported on this platform")
