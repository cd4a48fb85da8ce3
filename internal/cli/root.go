// Package cli implements the command-line interface for hopscotch.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "hopscotch",
	Version: "0.1.0",
	Short:   "Crash-safe supervision for a self-modifying agent",
	Long: `Hopscotch supervises a self-modifying LLM agent. The watcher daemon owns
every launch; the agent upgrades itself by committing to a fresh branch,
signaling the watcher, and exiting. The two processes coordinate only
through signal files, the bootstrap log, and a bare git remote, so either
side can crash at any point and the system recovers on the next poll.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(commsCmd)
	rootCmd.AddCommand(logCmd)
}

// loadRootConfig locates the supervision root and loads its configuration
func loadRootConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stderrHandler constructs the handler daemon commands log through
func stderrHandler(levelName, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(levelName)}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// discardLogger is used by one-shot commands that have no daemon log stream
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shortRef returns the first 8 characters of a git object id
func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
