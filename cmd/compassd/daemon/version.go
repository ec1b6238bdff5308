package daemon

import (
	"fmt"
	"runtime"

	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/spf13/cobra"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of " + constants.CmdName + " and exit",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return printVersion() },
	}
	a.cmd.AddCommand(cmd)
}

// printVersion reports the daemon version and the toolchain it was built with.
func printVersion() error {
	fmt.Printf("%s %s (%s %s/%s)\n",
		constants.CmdName, constants.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
