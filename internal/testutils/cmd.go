// Package testutils provides helper functions for testing
package testutils

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FlagTestCase describes one flag a command is expected to define.
type FlagTestCase struct {
	Name       string
	Short      string
	Default    string
	Persistent bool
	Cmd        *cobra.Command
}

// AssertFlagDefined checks that the flag exists on the command with the
// expected shorthand and default value. An empty Default skips the default
// check, since flags defaulting to the empty string cannot be told apart.
func AssertFlagDefined(t *testing.T, tc FlagTestCase) {
	t.Helper()

	var flag *pflag.Flag
	if tc.Persistent {
		flag = tc.Cmd.PersistentFlags().Lookup(tc.Name)
	} else {
		flag = tc.Cmd.Flags().Lookup(tc.Name)
	}
	require.NotNil(t, flag, "flag %s is not defined on %s", tc.Name, tc.Cmd.Name())

	assert.Equal(t, tc.Short, flag.Shorthand, "flag %s has an unexpected shorthand", tc.Name)
	if tc.Default != "" {
		assert.Equal(t, tc.Default, flag.DefValue, "flag %s has an unexpected default", tc.Name)
	}
}
