package testutils

import (
	"fmt"
	"os"
	"testing"
)

// SetupFakeCmdArgs returns the argv to re-execute the test binary as the fake command
// implemented by helper, with args forwarded past the separator.
func SetupFakeCmdArgs(helper string, args ...string) []string {
	cmdArgs := []string{os.Args[0], "-test.run", fmt.Sprintf("^%s$", helper), "--"}
	return append(cmdArgs, args...)
}

// GetFakeCmdArgs returns the forwarded arguments when the test binary is running as a
// fake command, and an error during a regular test run.
func GetFakeCmdArgs() ([]string, error) {
	for i, arg := range os.Args {
		if arg == "--" {
			return os.Args[i+1:], nil
		}
	}
	return nil, fmt.Errorf("not running as a fake command")
}

// SetupHelperCoverdir creates a temporary GOCOVERDIR for re-executed fake commands and
// returns it with true when coverage is enabled. Call from TestMain before m.Run.
func SetupHelperCoverdir() (string, bool) {
	if testing.CoverMode() == "" {
		return "", false
	}

	dir, err := os.MkdirTemp("", "coverdir")
	if err != nil {
		panic(fmt.Sprintf("could not create temporary directory for helper coverage: %v", err))
	}
	os.Setenv("GOCOVERDIR", dir)
	return dir, true
}
