// Package constants is responsible for defining the constants used in the application.
// It also provides the defaults tying compassd to the engine deployment it manages.
package constants

import (
	"log/slog"
	"path/filepath"
	"strconv"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// CmdName is the name of the command line tool.
	CmdName = "compassd"

	// EngineName is the human readable name of the supervised service.
	EngineName = "CodeCompass analysis engine"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn

	// DefaultEngineHost is the address the engine server binds to.
	DefaultEngineHost = "0.0.0.0"

	// DefaultEnginePort is the port the engine server listens on.
	DefaultEnginePort = 8000

	// DefaultAdminPort is the port the compassd admin endpoint listens on,
	// distinct from the engine port.
	DefaultAdminPort = 2113

	// DefaultManifestName is the dependency manifest copied into the build
	// context before installation.
	DefaultManifestName = "pyproject.toml"

	// DefaultLockName is the dependency lock file that pins the install.
	DefaultLockName = "poetry.lock"

	// DefaultBuildScriptName is the opaque build step that compiles the
	// grammar bundle.
	DefaultBuildScriptName = "build.py"

	// DefaultArtifactPath is the shared library the build step produces,
	// relative to the workspace.
	DefaultArtifactPath = "build/my-languages.so"

	// DefaultPrunePattern matches the grammar source directories removed
	// after a successful build.
	DefaultPrunePattern = "tree-sitter-*"

	// EnvNoInteraction disables dependency manager prompts during install.
	EnvNoInteraction = "POETRY_NO_INTERACTION"

	// EnvVenvInProject keeps the virtual environment inside the workspace.
	EnvVenvInProject = "POETRY_VIRTUALENVS_IN_PROJECT"

	// StateDirName is the workspace-relative directory compassd owns.
	StateDirName = ".compassd"

	// StateFileName is the build state file inside StateDirName.
	StateFileName = "state.json"

	// LockFileName is the build lock file inside StateDirName.
	LockFileName = "build.lock"
)

// DefaultInstallCommand is the dependency installation command.
var DefaultInstallCommand = []string{"poetry", "install", "--no-root", "--only", "main"}

// DefaultBuildCommand is the opaque grammar build step.
var DefaultBuildCommand = []string{"python", DefaultBuildScriptName}

// DefaultServeCommand launches the engine web server. The application object
// and bind address mirror the container entry point.
var DefaultServeCommand = []string{
	filepath.Join(".venv", "bin", "uvicorn"),
	"codecompass_engine.main:app",
	"--host", DefaultEngineHost,
	"--port", strconv.Itoa(DefaultEnginePort),
}

// StateDir returns the compassd-owned directory for the given workspace.
func StateDir(workspace string) string {
	return filepath.Join(workspace, StateDirName)
}

// StatePath returns the build state file path for the given workspace.
func StatePath(workspace string) string {
	return filepath.Join(workspace, StateDirName, StateFileName)
}

// LockPath returns the build lock file path for the given workspace.
func LockPath(workspace string) string {
	return filepath.Join(workspace, StateDirName, LockFileName)
}
