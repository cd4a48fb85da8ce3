package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/hopscotch/internal/agent"
	"github.com/kilupskalvis/hopscotch/internal/llm"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

var (
	runBranch    string
	runWorkspace string
	runOnce      bool
	runLogFile   string
	runLogLevel  string
	runLogFormat string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent process",
	Long: `Run one agent process on the given branch workspace.

This is the command the watcher launches. The agent announces itself in the
bootstrap log, then either promotes its branch into main (when launched on a
deployed branch) or settles into the work loop (when launched on main). It
exits after writing a deploy signal; it never launches its successor.`,
	Run: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runBranch, "branch", "", "Branch whose workspace this agent runs in (required)")
	f.StringVar(&runWorkspace, "workspace", "", "Run in this checkout instead of the managed workspace")
	f.BoolVar(&runOnce, "once", false, "Perform a single work unit and exit")
	f.StringVar(&runLogFile, "log-file", os.Getenv("HOPSCOTCH_RUNNER_LOG"), "Also append JSON logs to this file")
	f.StringVar(&runLogLevel, "log-level", envOrDefault("HOPSCOTCH_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&runLogFormat, "log-format", envOrDefault("HOPSCOTCH_LOG_FORMAT", "text"), "Log format for stderr (json|text)")
}

func runRun(_ *cobra.Command, _ []string) {
	if runBranch == "" {
		exitError("--branch is required")
	}
	if err := workspace.ValidBranch(runBranch); err != nil {
		exitError("%v", err)
	}

	cfg := loadRootConfig()

	handler := stderrHandler(runLogLevel, runLogFormat)
	if runLogFile != "" {
		f, err := os.OpenFile(runLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			exitError("failed to open log file: %v", err)
		}
		defer f.Close()
		fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: parseLevel(runLogLevel)})
		handler = slogmulti.Fanout(handler, fileHandler)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsPath := runWorkspace
	if wsPath == "" {
		spaces := workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, logger)
		ws, err := spaces.Ensure(ctx, runBranch)
		if err != nil {
			logger.Error("failed to prepare workspace", "branch", runBranch, "error", err)
			os.Exit(1)
		}
		wsPath = ws.Path
	} else if _, err := os.Stat(wsPath); err != nil {
		exitError("workspace %s is not usable: %v", wsPath, err)
	}

	client := llm.NewRetryClient(llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.APIKey()), nil)
	r := agent.New(cfg, logger, client, runBranch, wsPath)
	r.Once = runOnce

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent failed", "branch", runBranch, "error", err)
		os.Exit(1)
	}

	logger.Info("agent stopped", "branch", runBranch)
}
