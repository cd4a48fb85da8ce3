package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/hopscotch/internal/comms"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
	"github.com/spf13/cobra"
)

var commsCmd = &cobra.Command{
	Use:   "comms",
	Short: "Read and write the operator channel",
	Long: `Read and write COMMS.md, the only channel between the operator and the
agent. Directives flow operator to agent, reports flow agent to operator;
every change is a git commit on the main branch.`,
}

var commsDirectiveCmd = &cobra.Command{
	Use:   "directive <text>",
	Short: "Publish a directive for the agent",
	Args:  cobra.MinimumNArgs(1),
	Run:   runCommsDirective,
}

var commsShowBranch string

var commsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the channel as committed on a branch",
	Run:   runCommsShow,
}

func init() {
	commsCmd.AddCommand(commsDirectiveCmd)
	commsCmd.AddCommand(commsShowCmd)

	commsShowCmd.Flags().StringVar(&commsShowBranch, "branch", "", "Branch to read (default: the main branch)")
}

func runCommsDirective(_ *cobra.Command, args []string) {
	ctx := context.Background()
	cfg := loadRootConfig()
	text := strings.Join(args, " ")

	spaces := workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, discardLogger())
	ws, err := spaces.Ensure(ctx, cfg.MainBranch)
	if err != nil {
		exitError("failed to prepare %s workspace: %v", cfg.MainBranch, err)
	}

	if err := comms.PublishDirective(ctx, ws.Path, text); err != nil {
		exitError("failed to publish directive: %v", err)
	}

	fmt.Println("directive published; the agent reads it at the start of its next work unit")
}

func runCommsShow(_ *cobra.Command, _ []string) {
	ctx := context.Background()
	cfg := loadRootConfig()

	branch := commsShowBranch
	if branch == "" {
		branch = cfg.MainBranch
	}

	spaces := workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, discardLogger())
	ws, err := spaces.Ensure(ctx, cfg.MainBranch)
	if err != nil {
		exitError("failed to prepare %s workspace: %v", cfg.MainBranch, err)
	}

	doc, err := comms.ShowRemote(ctx, ws.Path, branch)
	if err != nil {
		exitError("failed to read %s on %s: %v", comms.FileName, branch, err)
	}

	cyan := color.New(color.FgCyan)

	cyan.Printf("Directives (%s):\n", branch)
	printSection(doc.Directives())
	cyan.Printf("\nReports (%s):\n", branch)
	printSection(doc.Reports())
}

func printSection(body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		fmt.Println("  (none)")
		return
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Printf("  %s\n", line)
	}
}
