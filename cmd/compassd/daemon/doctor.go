package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/codecompass-ai/compassd/internal/doctor"
	"github.com/codecompass-ai/compassd/internal/manifest"
	"github.com/codecompass-ai/compassd/internal/prune"
	"github.com/spf13/cobra"
)

func installDoctorCmd(app *App) {
	var jsonOut bool
	var maxEntries int

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report on the workspace and the host it runs on",
		Long: "Doctor inspects the workspace: OS identity, interpreter and dependency manager " +
			"versions, build inputs and artifact presence, the largest workspace entries and any " +
			"leftover grammar source directories.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := app.workspacePath()
			if err != nil {
				return err
			}

			l := slog.Default()
			conf := app.config.Build
			mgr := manifest.New(l, workspace,
				manifest.WithManifestName(conf.Manifest),
				manifest.WithLockName(conf.Lock),
			)
			pruner := prune.New(l, workspace, prune.WithPatterns(conf.PrunePatterns...))
			checker := doctor.New(l, workspace, mgr, pruner,
				doctor.WithArtifactPath(conf.Artifact),
				doctor.WithMaxEntries(maxEntries),
			)

			report, err := checker.Collect(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	cmd.Flags().IntVar(&maxEntries, "max-entries", 30, "how many of the largest workspace entries to list")
	app.cmd.AddCommand(cmd)
}

func printReport(r doctor.Report) {
	fmt.Printf("workspace: %s\n", r.Workspace)
	if r.OS.Name != "" {
		fmt.Printf("os:        %s (%s)\n", r.OS.Name, r.OS.System)
	} else {
		fmt.Printf("os:        %s\n", r.OS.System)
	}

	fmt.Println("\ntools:")
	for _, tool := range r.Tools {
		if tool.Error != "" {
			fmt.Printf("  %-8s error: %s\n", tool.Name, tool.Error)
			continue
		}
		fmt.Printf("  %-8s %s\n", tool.Name, tool.Version)
	}

	fmt.Println("\ninputs:")
	if r.Inputs.Project != "" {
		fmt.Printf("  project  %s (%d dependencies)\n", r.Inputs.Project, r.Inputs.Dependencies)
	}
	printFileCheck("manifest", r.Inputs.Manifest)
	printFileCheck("lock", r.Inputs.Lock)
	printFileCheck("venv", r.Inputs.Venv)
	printFileCheck("artifact", r.Inputs.Artifact)
	if r.Inputs.LockStale {
		fmt.Println("  warning: the lock file is older than the manifest")
	}

	fmt.Printf("\nworkspace tree: %s\n", r.Tree.Size)
	for _, e := range r.Tree.Largest {
		fmt.Printf("  %-10s %s\n", e.Size, e.Path)
	}

	if len(r.Leftovers) > 0 {
		fmt.Println("\nleftover grammar sources:")
		for _, p := range r.Leftovers {
			fmt.Printf("  %s\n", p)
		}
	}
}

func printFileCheck(name string, fc doctor.FileCheck) {
	if !fc.Present {
		fmt.Printf("  %-8s missing (%s)\n", name, fc.Path)
		return
	}
	fmt.Printf("  %-8s %s (%s)\n", name, fc.Path, fc.Size)
}
