package daemon

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codecompass-ai/compassd/internal/admin"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/engine"
	"github.com/codecompass-ai/compassd/internal/probe"
	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/codecompass-ai/compassd/internal/supervisor"
	"github.com/codecompass-ai/compassd/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func installServeCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine from a prepared workspace",
		Long: "Serve starts the engine server in the workspace, gates on its liveness route and " +
			"supervises it, restarting crashed processes within the restart budget. Health, build " +
			"status and metrics are exposed on the admin endpoint.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(false, false)
		},
	}

	addEngineFlags(cmd, &app.config.Engine)
	addServeFlags(cmd, &app.config.Engine)
	addAdminFlags(cmd, &app.config.Admin)
	app.cmd.AddCommand(cmd)
}

func installUpCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build the workspace, then serve the engine",
		Long: "Up runs the build pipeline and, when it succeeds, serves the engine from the " +
			"freshly built workspace. With --watch the pipeline is rerun whenever a build input " +
			"changes, and the engine is restarted when the rebuild changed the workspace.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(true, app.config.Engine.Watch)
		},
	}

	addBuildFlags(cmd, &app.config.Build)
	addEngineFlags(cmd, &app.config.Engine)
	addServeFlags(cmd, &app.config.Engine)
	addAdminFlags(cmd, &app.config.Admin)
	addLedgerFlags(cmd, &app.config.Ledger)
	cmd.Flags().BoolVar(&app.config.Engine.Watch, "watch", false, "rebuild and restart when build inputs change")
	cmd.Flags().DurationVar(&app.config.Engine.Debounce, "debounce", 5*time.Second, "how long bursts of input changes are coalesced before a rebuild")
	app.cmd.AddCommand(cmd)
}

// run executes the serve path, optionally running the build pipeline first.
func (a *App) run(build, watch bool) (err error) {
	a.config.Workspace, err = a.workspacePath()
	if err != nil {
		close(a.ready)
		return err
	}

	var initial *state.BuildState
	if build {
		bs, err := a.runBuild(context.Background())
		if err != nil {
			close(a.ready)
			return err
		}
		initial = &bs
	}

	service, err := a.newSupervisor(watch)
	a.service = service
	close(a.ready)
	if err != nil {
		return fmt.Errorf("failed to create engine supervisor: %v", err)
	}
	if initial != nil {
		a.service.ObserveBuild(*initial)
	}

	return a.service.Run()
}

// newSupervisor assembles the serve path: engine, prober, admin server and,
// when watch is set, the rebuild watcher.
func (a *App) newSupervisor(watch bool) (*supervisor.Service, error) {
	l := slog.Default()
	conf := a.config.Engine

	eng := engine.New(l, a.config.Workspace,
		engine.WithServeCommand(conf.serveCommand()),
		engine.WithStopTimeout(conf.StopTimeout),
		engine.WithMaxRestarts(conf.MaxRestarts),
	)
	prober := probe.New(l, conf.Host, conf.Port,
		probe.WithPath(conf.ProbePath),
		probe.WithMaxWait(conf.ProbeMaxWait),
	)

	registry := prometheus.NewRegistry()
	store := state.New(l, a.config.Workspace)
	control := admin.New(l, a.config.Admin, eng, store, registry)

	opts := []supervisor.Options{
		supervisor.WithProbeInterval(conf.ProbeInterval),
		supervisor.WithRebuildDebounce(conf.Debounce),
	}
	if watch {
		w := watcher.New(l, a.config.Workspace, watcher.WithFiles(a.watchedFiles()...))
		opts = append(opts, supervisor.WithRebuildWatcher(w, a.runBuild))
	}

	return supervisor.New(context.Background(), l, eng, prober, control, registry, opts...)
}

// watchedFiles lists the build inputs driving watch-triggered rebuilds.
func (a *App) watchedFiles() []string {
	conf := a.config.Build
	files := []string{
		cmp.Or(conf.Manifest, constants.DefaultManifestName),
		cmp.Or(conf.Lock, constants.DefaultLockName),
		cmp.Or(conf.BuildScript, constants.DefaultBuildScriptName),
	}
	return append(files, conf.GrammarSources...)
}
