package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/hopscotch/internal/watcher"
	"github.com/spf13/cobra"
)

var (
	watchLogLevel  string
	watchLogFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the watcher daemon",
	Long: `Run the watcher daemon for the enclosing supervision root.

The watcher polls the signal directory, launches and terminates the agent,
and falls back to the main branch when a deployed branch dies before
finishing initialization. Exactly one watcher runs per root; a second
invocation exits immediately.

On shutdown the agent is left running. The next watcher adopts it from the
process table.`,
	Run: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchLogLevel, "log-level", envOrDefault("HOPSCOTCH_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&watchLogFormat, "log-format", envOrDefault("HOPSCOTCH_LOG_FORMAT", "text"), "Log format (json|text)")
}

func runWatch(_ *cobra.Command, _ []string) {
	cfg := loadRootConfig()
	logger := slog.New(stderrHandler(watchLogLevel, watchLogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(cfg, logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watcher failed", "error", err)
		os.Exit(1)
	}

	logger.Info("watcher stopped")
}
