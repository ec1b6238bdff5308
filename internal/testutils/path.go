package testutils

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// ModuleRoot returns the path to the module's root directory.
func ModuleRoot() string {
	// p is the path to the caller file, in this case {MODULE_ROOT}/internal/testutils/path.go
	_, p, _, _ := runtime.Caller(0)
	// Ignores the last 3 elements -> /internal/testutils/path.go
	for range 3 {
		p = filepath.Dir(p)
	}
	return p
}

// MakeReadOnly strips the write bits from dest and restores its original
// mode on cleanup. A dest removed by the test is left alone.
func MakeReadOnly(t *testing.T, dest string) {
	t.Helper()

	fi, err := os.Stat(dest)
	require.NoError(t, err, "Setup: cannot stat %s", dest)

	perms := fs.FileMode(0444)
	if fi.IsDir() {
		perms = 0555
	}
	require.NoError(t, os.Chmod(dest, perms), "Setup: cannot make %s read only", dest)

	mode := fi.Mode()
	t.Cleanup(func() {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			return
		}
		require.NoError(t, os.Chmod(dest, mode), "Teardown: cannot restore mode of %s", dest)
	})
}
