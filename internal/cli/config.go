// Package cli provides utility functions for command line interface applications.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InitViperConfig initializes the Viper configuration for a command.
//
// Without an explicit --config flag it searches configSearchPaths for a file
// named after the command.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(cmdName)
		for _, p := range configSearchPaths(cmdName, cmd) {
			vip.AddConfigPath(p)
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if errors.As(err, &e) {
			slog.Info("No configuration file found, using defaults, environment and flags", "error", e)
		} else {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
	} else {
		slog.Info("Loaded configuration file", "file", vip.ConfigFileUsed())
	}

	vip.SetEnvPrefix(cmdName)
	vip.AutomaticEnv()

	// Bind every prefixed environment variable explicitly so that Unmarshal
	// sees them (https://github.com/spf13/viper/pull/1429).
	prefix := strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_")) + "_"
	for _, e := range os.Environ() {
		name, _, _ := strings.Cut(e, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		key := strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", ".")
		if err := vip.BindEnv(key, name); err != nil {
			return fmt.Errorf("could not bind environment variable %s: %w", name, err)
		}
	}

	return nil
}

// configSearchPaths lists the directories probed for a configuration file,
// most specific first.
func configSearchPaths(cmdName string, cmd *cobra.Command) []string {
	var paths []string

	// A config checked into the engine workspace configures its builds.
	if ws, err := cmd.Flags().GetString("workspace"); err == nil && ws != "" && ws != "." {
		paths = append(paths, ws)
	}
	paths = append(paths, ".", "/etc/"+cmdName, "/usr/local/etc/"+cmdName)

	if binPath, err := os.Executable(); err != nil {
		slog.Warn("Failed to get current executable path, not adding it as a config dir", "error", err)
	} else {
		paths = append(paths, filepath.Dir(binPath))
	}

	return paths
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}
