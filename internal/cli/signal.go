package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/kilupskalvis/hopscotch/internal/signals"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
	"github.com/spf13/cobra"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Write a control signal for the watcher",
	Long: `Write a control signal into the signal directory.

Signals are one-shot files the watcher consumes on its next poll. Writing a
second signal of the same kind before the watcher wakes up replaces the
first; only the most recent one is honored.`,
}

var signalBootstrapCmd = &cobra.Command{
	Use:   "bootstrap <branch>",
	Short: "Ask the watcher to launch the agent from a branch",
	Args:  cobra.ExactArgs(1),
	Run:   runSignalBootstrap,
}

var signalRollbackCmd = &cobra.Command{
	Use:   "rollback <ref>",
	Short: "Ask the watcher to reset main to a ref and relaunch",
	Args:  cobra.ExactArgs(1),
	Run:   runSignalRollback,
}

func init() {
	signalCmd.AddCommand(signalBootstrapCmd)
	signalCmd.AddCommand(signalRollbackCmd)
}

func runSignalBootstrap(_ *cobra.Command, args []string) {
	ctx := context.Background()
	cfg := loadRootConfig()
	branch := args[0]

	if err := workspace.ValidBranch(branch); err != nil {
		exitError("%v", err)
	}
	if _, err := gitutil.RevParse(ctx, cfg.RemotePath(), "refs/heads/"+branch); err != nil {
		exitError("branch %s does not exist on the remote; push it first", branch)
	}

	channel := signals.NewChannel(cfg.SignalPath())
	if err := channel.Send(models.SignalBootstrap, branch); err != nil {
		exitError("failed to write signal: %v", err)
	}

	fmt.Printf("bootstrap signal written for %s\n", branch)
	fmt.Printf("The watcher picks it up on its next poll (every %s).\n", cfg.PollInterval())
}

func runSignalRollback(_ *cobra.Command, args []string) {
	ctx := context.Background()
	cfg := loadRootConfig()

	// Resolve against the bare remote so the payload is a full commit id
	// that stays valid even if the branch it came from moves.
	sha, err := gitutil.RevParse(ctx, cfg.RemotePath(), args[0]+"^{commit}")
	if err != nil {
		exitError("cannot resolve %s on the remote: %v", args[0], err)
	}

	channel := signals.NewChannel(cfg.SignalPath())
	if err := channel.Send(models.SignalRollback, sha); err != nil {
		exitError("failed to write signal: %v", err)
	}

	fmt.Printf("rollback signal written: %s will be reset to %s\n", cfg.MainBranch, shortRef(sha))
	fmt.Printf("The watcher picks it up on its next poll (every %s).\n", cfg.PollInterval())
}
