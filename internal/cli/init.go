package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/hopscotch/internal/agent"
	"github.com/kilupskalvis/hopscotch/internal/comms"
	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a new supervision root",
	Long: `Initialize a new supervision root in the given directory (default: the
current directory). This writes hopscotch.toml, creates the bare git
remote, seeds the main branch with SYSTEM.md and COMMS.md, and checks out
the main workspace.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInit,
}

var (
	initProject string
	initMain    string
	initModel   string
	initBaseURL string
)

func init() {
	f := initCmd.Flags()
	f.StringVar(&initProject, "project", "agent", "Project directory name inside each workspace")
	f.StringVar(&initMain, "main-branch", "main", "Branch the watcher falls back to")
	f.StringVar(&initModel, "model", "", "Model name for the runner's LLM endpoint")
	f.StringVar(&initBaseURL, "base-url", "", "Base URL of the OpenAI-compatible endpoint")
}

// seedSystemDoc is the identity document committed into a fresh project.
// The agent reads it at the start of every work unit and must never edit it.
const seedSystemDoc = `# SYSTEM

You are an autonomous agent supervised by hopscotch. This repository is your
own codebase; improve it in small, validated steps.

Rules:

- Never modify or delete this file.
- Communicate with the operator only through COMMS.md, committed to git.
- To deploy a new version of yourself, commit to a fresh branch, push it,
  and call the bootstrap tool. Never bootstrap the branch you are running on.
- End every work unit with ` + agent.MarkerComplete + ` or ` + agent.MarkerFailed + `.
`

func runInit(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Initializing supervision root in %s...\n", root)

	cfg, err := config.Initialize(root)
	if err != nil {
		exitError("%v", err)
	}

	cfg.Project = initProject
	cfg.MainBranch = initMain
	if initModel != "" {
		cfg.LLM.Model = initModel
	}
	if initBaseURL != "" {
		cfg.LLM.BaseURL = initBaseURL
	}
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	fmt.Printf("Creating bare remote at %s...\n", cfg.RemotePath())
	if err := gitutil.InitBare(ctx, cfg.RemotePath()); err != nil {
		exitError("failed to create remote: %v", err)
	}

	if err := seedRemote(ctx, cfg); err != nil {
		exitError("failed to seed %s: %v", cfg.MainBranch, err)
	}

	spaces := workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, discardLogger())
	ws, err := spaces.Ensure(ctx, cfg.MainBranch)
	if err != nil {
		exitError("failed to check out %s workspace: %v", cfg.MainBranch, err)
	}

	fmt.Printf("\nInitialized supervision root in %s\n", root)
	fmt.Printf("Main workspace: %s\n", ws.Path)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  1. Put the agent's code in the main workspace, commit, and push.\n")
	fmt.Printf("  2. Set the model: edit [llm] in %s and export %s.\n", config.ConfigFile, cfg.LLM.APIKeyEnv)
	fmt.Printf("  3. Start the supervisor: hopscotch watch\n")
}

// seedRemote commits SYSTEM.md and a COMMS.md skeleton onto the main branch
// through a throwaway clone so the bare remote is never touched directly.
func seedRemote(ctx context.Context, cfg *config.Config) error {
	tmp, err := os.MkdirTemp("", "hopscotch-seed-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := gitutil.InitRepo(ctx, tmp, cfg.MainBranch); err != nil {
		return err
	}
	if err := gitutil.EnsureIdentity(ctx, tmp, "hopscotch", "init@hopscotch.local"); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, agent.SystemFileName), []byte(seedSystemDoc), 0644); err != nil {
		return err
	}
	if err := comms.Skeleton().WriteDir(tmp); err != nil {
		return err
	}
	if err := gitutil.Add(ctx, tmp); err != nil {
		return err
	}
	if err := gitutil.Commit(ctx, tmp, "initial project scaffold"); err != nil {
		return err
	}
	return gitutil.Push(ctx, tmp, cfg.RemotePath(), cfg.MainBranch)
}
