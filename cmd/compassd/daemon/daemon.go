// Package daemon provides the compassd command line application.
package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/codecompass-ai/compassd/internal/admin"
	"github.com/codecompass-ai/compassd/internal/cli"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/ledger"
	"github.com/codecompass-ai/compassd/internal/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	service *supervisor.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Workspace string

	Build  buildConfig
	Engine engineConfig
	Admin  admin.Config
	Ledger ledger.Config
}

// buildConfig holds the build pipeline settings.
type buildConfig struct {
	Force    bool
	LockWait time.Duration

	Manifest string
	Lock     string

	InstallCommand []string
	BuildCommand   []string
	BuildScript    string
	Artifact       string
	GrammarSources []string

	PrunePatterns []string
}

// engineConfig holds the serve path settings.
type engineConfig struct {
	Command []string
	Host    string
	Port    int

	StopTimeout time.Duration
	MaxRestarts uint64

	ProbePath     string
	ProbeMaxWait  time.Duration
	ProbeInterval time.Duration

	Watch    bool
	Debounce time.Duration
}

// serveCommand returns the configured engine command, defaulting to the
// workspace uvicorn invocation against the configured bind address.
func (c engineConfig) serveCommand() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	return []string{
		filepath.Join(".venv", "bin", "uvicorn"),
		"codecompass_engine.main:app",
		"--host", c.Host,
		"--port", strconv.Itoa(c.Port),
	}
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.CmdName,
		Short:         "Build and serve the " + constants.EngineName,
		Long: "Compassd prepares an engine workspace (dependency install, grammar bundle build, " +
			"grammar source pruning) and serves the engine from it, supervising the server process.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installBuildCmd(&a)
	installServeCmd(&a)
	installUpCmd(&a)
	installPruneCmd(&a)
	installProbeCmd(&a)
	installDoctorCmd(&a)
	installRecipeCmd(&a)
	installLedgerCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")
	cmd.PersistentFlags().StringVarP(&app.config.Workspace, "workspace", "w", ".", "path to the engine workspace")

	if err := cmd.MarkPersistentFlagDirname("workspace"); err != nil {
		panic(fmt.Sprintf("failed to mark workspace flag as directory: %v", err))
	}
}

func addBuildFlags(cmd *cobra.Command, config *buildConfig) {
	cmd.Flags().BoolVar(&config.Force, "force", false, "run every stage even when its inputs are unchanged")
	cmd.Flags().DurationVar(&config.LockWait, "lock-wait", 10*time.Second, "how long to wait for the workspace build lock")

	cmd.Flags().StringVar(&config.Manifest, "manifest", constants.DefaultManifestName, "name of the dependency manifest in the workspace")
	cmd.Flags().StringVar(&config.Lock, "lock", constants.DefaultLockName, "name of the dependency lock file in the workspace")

	cmd.Flags().StringSliceVar(&config.InstallCommand, "install-command", nil, "dependency install command (default the bundled poetry invocation)")
	cmd.Flags().StringSliceVar(&config.BuildCommand, "build-command", nil, "grammar build command (default the bundled python invocation)")
	cmd.Flags().StringVar(&config.BuildScript, "build-script", constants.DefaultBuildScriptName, "workspace-relative build script covered by the rebuild fingerprint")
	cmd.Flags().StringVar(&config.Artifact, "artifact", constants.DefaultArtifactPath, "workspace-relative path of the grammar bundle")
	cmd.Flags().StringSliceVar(&config.GrammarSources, "grammar-source", nil, "extra workspace-relative files covered by the rebuild fingerprint")

	cmd.Flags().StringSliceVar(&config.PrunePatterns, "prune-pattern", []string{constants.DefaultPrunePattern}, "directory name patterns removed from the workspace after the build")
}

func addEngineFlags(cmd *cobra.Command, config *engineConfig) {
	cmd.Flags().StringVar(&config.Host, "engine-host", constants.DefaultEngineHost, "bind host of the engine server")
	cmd.Flags().IntVar(&config.Port, "engine-port", constants.DefaultEnginePort, "bind port of the engine server")
	cmd.Flags().StringVar(&config.ProbePath, "probe-path", "/", "liveness route probed on the engine")
	cmd.Flags().DurationVar(&config.ProbeMaxWait, "probe-max-wait", 60*time.Second, "how long to wait for the engine to become ready")
}

func addServeFlags(cmd *cobra.Command, config *engineConfig) {
	cmd.Flags().StringSliceVar(&config.Command, "serve-command", nil, "engine serve command (default the workspace uvicorn server)")
	cmd.Flags().DurationVar(&config.StopTimeout, "stop-timeout", 10*time.Second, "grace period before a stopping engine is killed")
	cmd.Flags().Uint64Var(&config.MaxRestarts, "max-restarts", 5, "crash restarts allowed before giving up")
	cmd.Flags().DurationVar(&config.ProbeInterval, "probe-interval", 15*time.Second, "interval between periodic liveness probes")
}

func addAdminFlags(cmd *cobra.Command, config *admin.Config) {
	cmd.Flags().StringVar(&config.Host, "admin-host", "", "host for the admin endpoint")
	cmd.Flags().IntVar(&config.Port, "admin-port", constants.DefaultAdminPort, "port for the admin endpoint")
	cmd.Flags().DurationVar(&config.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the admin HTTP server")
	cmd.Flags().DurationVar(&config.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the admin HTTP server")
}

func addLedgerFlags(cmd *cobra.Command, config *ledger.Config) {
	cmd.Flags().StringVar(&config.Host, "db-host", "", "ledger database host (empty disables the ledger)")
	cmd.Flags().IntVarP(&config.Port, "db-port", "p", 5432, "ledger database port")
	cmd.Flags().StringVarP(&config.User, "db-user", "u", "", "ledger database user")
	cmd.Flags().StringVarP(&config.Password, "db-password", "P", "", "ledger database password")
	cmd.Flags().StringVarP(&config.DBName, "db-name", "n", "", "ledger database name")
	cmd.Flags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "ledger database SSL mode")
}

// workspacePath resolves the configured workspace to an absolute path.
func (a App) workspacePath() (string, error) {
	workspace, err := filepath.Abs(a.config.Workspace)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for workspace: %v", err)
	}
	return workspace, nil
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit shuts down the daemon. A forced quit kills the supervised engine
// instead of waiting out its grace period.
func (a *App) Quit(force bool) {
	a.WaitReady()
	if a.service != nil {
		a.service.Quit(force)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}
