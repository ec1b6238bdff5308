package testutils

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// GetFreePort reserves a TCP port on host and returns it. The listener is
// closed before returning, so the port can be handed to a daemon under test.
func GetFreePort(t *testing.T, host string) int {
	t.Helper()

	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	require.NoError(t, err, "Setup: could not reserve a port")
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok, "Setup: expected a TCP address")
	return addr.Port
}
