package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sortie",
	Short: "Launch coding-agent runs and collect their artifacts",
	Long: `sortie invokes an external coding-agent CLI (codex, claude, gemini)
against a target repository and captures everything the run produced:
raw event streams, normalized events, metrics, the validated mission
report, and a structured error when anything fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newLogger builds the process logger: slog text handler on stderr so
// stdout stays reserved for key=value result lines.
func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
