package daemon

import (
	"context"
	"log/slog"

	"github.com/codecompass-ai/compassd/internal/ledger"
	"github.com/codecompass-ai/compassd/internal/manifest"
	"github.com/codecompass-ai/compassd/internal/pipeline"
	"github.com/codecompass-ai/compassd/internal/pipeline/stages"
	"github.com/codecompass-ai/compassd/internal/prune"
	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/codecompass-ai/compassd/internal/vcs"
	"github.com/spf13/cobra"
)

func installBuildCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the build pipeline against the workspace",
		Long: "Build installs the engine dependencies, compiles the grammar bundle and removes " +
			"the grammar sources, recording the run in the workspace state and, when configured, " +
			"the deployment ledger. Stages whose inputs are unchanged are skipped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.runBuild(cmd.Context())
			return err
		},
	}

	addBuildFlags(cmd, &app.config.Build)
	addLedgerFlags(cmd, &app.config.Ledger)
	app.cmd.AddCommand(cmd)
}

// runBuild assembles and runs the build pipeline, then records the run in the
// deployment ledger when one is configured. The returned build state is valid
// even when err is non-nil.
func (a *App) runBuild(ctx context.Context) (state.BuildState, error) {
	workspace, err := a.workspacePath()
	if err != nil {
		return state.BuildState{}, err
	}

	l := slog.Default()
	rev := vcs.Describe(l, workspace)

	bs, runErr := a.newPipeline(l, workspace, rev.Short()).Run(ctx)
	if bs.RunID != "" {
		a.recordRun(ctx, workspace, bs)
	}
	return bs, runErr
}

// newPipeline assembles the configured pipeline stages for the workspace.
func (a *App) newPipeline(l *slog.Logger, workspace, revision string) *pipeline.Runner {
	conf := a.config.Build

	mgr := manifest.New(l, workspace,
		manifest.WithManifestName(conf.Manifest),
		manifest.WithLockName(conf.Lock),
	)
	pruner := prune.New(l, workspace, prune.WithPatterns(conf.PrunePatterns...))

	stageList := []pipeline.Stage{
		stages.NewInstall(l, workspace, mgr, stages.WithInstallCommand(conf.InstallCommand)),
		stages.NewGrammars(l, workspace,
			stages.WithBuildCommand(conf.BuildCommand),
			stages.WithBuildScript(conf.BuildScript),
			stages.WithArtifact(conf.Artifact),
			stages.WithExtraInputs(conf.GrammarSources...),
		),
		stages.NewPrune(l, pruner),
	}

	return pipeline.New(l, workspace, state.New(l, workspace), stageList,
		pipeline.WithForce(conf.Force),
		pipeline.WithRevision(revision),
		pipeline.WithLockWait(conf.LockWait),
	)
}

// recordRun writes the run to the deployment ledger. Ledger failures are
// reported, never fatal: the build contract is command execution, not
// bookkeeping.
func (a *App) recordRun(ctx context.Context, workspace string, bs state.BuildState) {
	if !a.config.Ledger.Enabled() {
		return
	}

	db, err := ledger.Connect(ctx, a.config.Ledger)
	if err != nil {
		slog.Warn("Could not connect to the deployment ledger", "error", err)
		return
	}
	defer db.Close()

	if err := db.RecordRun(ctx, workspace, bs); err != nil {
		slog.Warn("Could not record the run in the deployment ledger", "error", err)
	}
}
