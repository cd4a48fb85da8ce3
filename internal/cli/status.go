package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/kilupskalvis/hopscotch/internal/bootlog"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/kilupskalvis/hopscotch/internal/signals"
	"github.com/kilupskalvis/hopscotch/internal/watcher"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the supervision root status",
	Long: `Show what the watcher would see on its next poll: process liveness,
pending signals, recent launches, and the checked-out workspaces.`,
	Run: runStatus,
}

// recentLaunches is how many bootstrap log lines status prints
const recentLaunches = 5

func runStatus(_ *cobra.Command, _ []string) {
	ctx := context.Background()
	cfg := loadRootConfig()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Supervision root: %s\n", cfg.Root())
	fmt.Printf("Project %s, main branch %s\n\n", cfg.Project, cfg.MainBranch)

	// The lock can only be taken when no watcher holds it.
	lock := flock.New(cfg.WatcherLockPath())
	if locked, err := lock.TryLock(); err == nil && locked {
		_ = lock.Unlock()
		red.Println("Watcher: not running")
	} else {
		green.Println("Watcher: running")
	}

	log := bootlog.New(cfg.BootstrapLogPath())
	lastBranch, _ := log.LastLaunched()

	agentPID, agentAlive := watcher.FindAgent(ctx, cfg)
	if agentAlive {
		green.Printf("Agent:   pid %d", agentPID)
		if lastBranch != "" {
			green.Printf(" on %s", lastBranch)
		}
		green.Println()
	} else {
		red.Println("Agent:   not running")
	}

	fmt.Println("\nPending signals:")
	channel := signals.NewChannel(cfg.SignalPath())
	pending, err := channel.Pending()
	if err != nil {
		exitError("failed to read signals: %v", err)
	}
	if len(pending) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range pending {
		yellow.Printf("  %s -> %s", s.Kind, s.Payload)
		fmt.Printf(" (written %s)\n", s.CreatedAt.Format(time.RFC3339))
	}

	fmt.Println("\nRecent launches:")
	entries, skipped, err := log.Entries()
	if err != nil {
		exitError("failed to read bootstrap log: %v", err)
	}
	if skipped > 0 {
		yellow.Printf("  %d unparseable lines skipped\n", skipped)
	}
	if len(entries) == 0 {
		fmt.Println("  (no launches recorded yet)")
	}
	start := len(entries) - recentLaunches
	if start < 0 {
		start = 0
	}
	for _, e := range entries[start:] {
		fmt.Printf("  %s %s ", e.Timestamp.Format(time.RFC3339), e.Branch)
		if e.Phase == models.PhaseSuccess {
			green.Println(string(e.Phase))
		} else {
			yellow.Println(string(e.Phase))
		}
	}

	if !agentAlive && lastBranch != "" && bootlog.NeedsFallback(entries, lastBranch) {
		red.Printf("\n%s died before completing initialization; the next watcher poll falls back to %s\n",
			lastBranch, cfg.MainBranch)
	}

	fmt.Println("\nWorkspaces:")
	spaces := workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, discardLogger())
	list, err := spaces.List()
	if err != nil {
		exitError("failed to list workspaces: %v", err)
	}
	if len(list) == 0 {
		fmt.Println("  (none)")
	}
	for _, ws := range list {
		fmt.Printf("  %-20s %s\n", ws.Branch, ws.Path)
	}
}
