package daemon

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/prune"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func installPruneCmd(app *App) {
	var verifyOnly bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove grammar source directories from the workspace",
		Long: "Prune removes every directory matching the configured patterns from the workspace " +
			"and verifies that none survive. With --verify it only checks the post-condition.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := app.workspacePath()
			if err != nil {
				return err
			}

			patterns := app.config.Build.PrunePatterns
			pruner := prune.New(slog.Default(), workspace, prune.WithPatterns(patterns...))

			if verifyOnly {
				if err := pruner.Verify(); err != nil {
					return err
				}
				fmt.Printf("no directories matching %s left in %s\n", strings.Join(patterns, ", "), workspace)
				return nil
			}

			res, err := pruner.Run()
			if err != nil {
				return err
			}
			if err := pruner.Verify(); err != nil {
				return err
			}

			fmt.Printf("pruned %d directories, reclaimed %s\n", len(res.Removed), humanize.IBytes(uint64(res.BytesReclaimed)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&verifyOnly, "verify", false, "only verify that no matching directories remain")
	cmd.Flags().StringSliceVar(&app.config.Build.PrunePatterns, "prune-pattern", []string{constants.DefaultPrunePattern}, "directory name patterns removed from the workspace")
	app.cmd.AddCommand(cmd)
}
