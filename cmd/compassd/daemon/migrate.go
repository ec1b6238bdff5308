package daemon

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/codecompass-ai/compassd/internal/ledger"
	"github.com/spf13/cobra"
)

func installLedgerCmd(app *App) {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the deployment ledger database",
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate <migrations-dir>",
		Short: "Apply the ledger schema migrations",
		Long: "Migrate applies the SQL migrations under the given directory to the deployment " +
			"ledger database, bringing its schema up to date. Already applied migrations are " +
			"skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// A bad migrations path is reported as a usage error.
			app.cmd.SilenceUsage = false

			fi, err := os.Stat(args[0])
			if err != nil {
				return fmt.Errorf("invalid migrations directory: %v", err)
			}
			if !fi.IsDir() {
				return fmt.Errorf("migrations path %s is not a directory", args[0])
			}

			app.cmd.SilenceUsage = true

			slog.Info("Applying ledger migrations", "dir", args[0])
			return ledger.Migrate(app.config.Ledger, args[0])
		},
	}
	addLedgerFlags(migrateCmd, &app.config.Ledger)

	ledgerCmd.AddCommand(migrateCmd)
	app.cmd.AddCommand(ledgerCmd)
}
