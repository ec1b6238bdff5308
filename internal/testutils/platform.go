package testutils

import (
	"os"
	"runtime"
)

// IsUnixNonRoot reports whether the tests run as an unprivileged user on an
// operating system with Unix permission semantics. Root bypasses file modes,
// so permission tests need both.
func IsUnixNonRoot() bool {
	switch runtime.GOOS {
	case "linux", "darwin":
		return os.Getuid() != 0
	}
	return false
}
