package cli

import (
	"log/slog"
	"os"

	"github.com/codecompass-ai/compassd/internal/constants"
)

// SetVerbosity sets the logging level for the default logger based on the
// verbose flag count.
func SetVerbosity(level int) {
	slog.SetLogLoggerLevel(verbosityLevel(level))
}

// SetSlog sets the logging level and format for the default logger.
//
// Logs go to stderr in both formats: stdout belongs to the subcommands, which
// print rendered files and reports there.
func SetSlog(level int, jsonLogs bool) {
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: verbosityLevel(level)})))
		return
	}

	SetVerbosity(level)
}

// verbosityLevel maps -v counts to levels: warnings by default, INFO at -v,
// DEBUG from -vv on.
func verbosityLevel(count int) slog.Level {
	switch count {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
