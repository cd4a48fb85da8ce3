// Package agent implements the Runner: the supervised process that boots
// from one branch workspace, announces itself in the bootstrap log, works in
// bounded LLM tool-loop units, and deploys new versions of itself by
// committing to a different branch, signaling the watcher, and exiting. It
// never launches its successor; that is exclusively the watcher's job.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/hopscotch/internal/bootlog"
	"github.com/kilupskalvis/hopscotch/internal/comms"
	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/llm"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/kilupskalvis/hopscotch/internal/signals"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
)

var errIterationLimit = errors.New("work unit hit the tool iteration limit")

// Runner is one agent incarnation bound to a single branch workspace
type Runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  llm.Client
	channel *signals.Channel
	bootLog *bootlog.Log
	spaces  *workspace.Manager
	branch  string
	wsPath  string

	// Validate is the self-verification step a freshly bootstrapped branch
	// runs before merging itself into main. Overridable; the default runs
	// the configured validate_command, falling back to one model-judged
	// validation unit.
	Validate func(ctx context.Context) error

	// Once stops the work loop after a single unit
	Once bool

	session        string
	prompt         string
	directives     string
	lastDirectives time.Time
}

// New wires a runner for the given branch and workspace path
func New(cfg *config.Config, logger *slog.Logger, client llm.Client, branch, wsPath string) *Runner {
	session := uuid.NewString()
	r := &Runner{
		cfg:     cfg,
		logger:  logger.With("component", "runner", "branch", branch, "session", session),
		client:  client,
		channel: signals.NewChannel(cfg.SignalPath()),
		bootLog: bootlog.New(cfg.BootstrapLogPath()),
		spaces:  workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, logger),
		branch:  branch,
		wsPath:  wsPath,
		session: session,
	}
	r.Validate = r.defaultValidate
	return r
}

// Run executes one full incarnation. The BOOTSTRAPPING entry lands before
// anything else so a crash anywhere after this line is visible to the
// watcher's recovery decision; SUCCESS lands only after full initialization.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.bootLog.Append(r.branch, models.PhaseBootstrapping); err != nil {
		return err
	}

	if err := r.initialize(); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if err := r.bootLog.Append(r.branch, models.PhaseSuccess); err != nil {
		return err
	}
	r.logger.Info("runner initialized")

	if r.branch != r.cfg.MainBranch {
		return r.promoteOrAbandon(ctx)
	}

	r.retireMerged(ctx)
	return r.workLoop(ctx)
}

// initialize performs everything SUCCESS vouches for: identity and mailbox
// documents readable, model endpoint and tool set established.
func (r *Runner) initialize() error {
	if r.client == nil {
		return fmt.Errorf("llm client is not configured")
	}
	if r.cfg.LLM.Model == "" {
		return fmt.Errorf("llm model is not configured")
	}

	prompt, directives, err := r.loadDocuments()
	if err != nil {
		return err
	}
	r.prompt = prompt
	r.directives = directives
	r.lastDirectives = time.Now()
	return nil
}

// loadDocuments reads SYSTEM.md and COMMS.md from the workspace and returns
// the composed system prompt plus the local directives section.
func (r *Runner) loadDocuments() (string, string, error) {
	systemDoc, err := os.ReadFile(filepath.Join(r.wsPath, SystemFileName))
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", SystemFileName, err)
	}

	commsRaw, err := os.ReadFile(filepath.Join(r.wsPath, comms.FileName))
	if err != nil {
		if !os.IsNotExist(err) {
			return "", "", fmt.Errorf("failed to read %s: %w", comms.FileName, err)
		}
		commsRaw = []byte(comms.Skeleton().Render())
	}

	doc := comms.Parse(string(commsRaw))
	return composePrompt(string(systemDoc), string(commsRaw)), doc.Directives(), nil
}

// workLoop alternates work units with sleeps until the context ends or a
// unit writes a deploy signal. Caught errors are logged and deferred to the
// next wake-up, never fatal.
func (r *Runner) workLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deployed, err := r.workUnit(ctx)
		switch {
		case deployed:
			r.logger.Info("deploy signal written, exiting")
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			r.logger.Error("work unit failed, deferring to next wake-up", "error", err)
		}

		if r.Once {
			return nil
		}
		if err := sleepCtx(ctx, r.cfg.WorkInterval()); err != nil {
			return err
		}
	}
}

// workUnit runs one bounded conversation against a freshly composed prompt
func (r *Runner) workUnit(ctx context.Context) (bool, error) {
	if r.branch == r.cfg.MainBranch {
		if err := gitutil.Pull(ctx, r.wsPath); err != nil {
			r.logger.Warn("pull before work unit failed", "error", err)
		}
	}

	prompt, _, err := r.loadDocuments()
	if err != nil {
		return false, err
	}
	r.prompt = prompt

	msgs := []llm.Message{
		{Role: "system", Content: r.prompt},
		{Role: "user", Content: continuationInstruction},
	}
	if note := r.checkDirectives(ctx); note != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: note})
	}

	res, err := r.converse(ctx, msgs, true)
	if err != nil {
		return false, err
	}
	switch {
	case res.completed:
		r.report(ctx, r.wsPath, "work unit complete: "+res.summary)
	case res.failed:
		r.logger.Warn("work unit reported failure")
		r.report(ctx, r.wsPath, "work unit failed: "+res.summary)
	}
	return res.deployed, nil
}

// report publishes a COMMS report in the given workspace, best effort
func (r *Runner) report(ctx context.Context, dir, text string) {
	if err := comms.PublishReport(ctx, dir, text); err != nil {
		r.logger.Warn("failed to publish report", "error", err)
	}
}

// checkDirectives reads the operator's directives from origin/main and
// returns an injection note when they changed since the last look. Reading
// from the remote keeps a runner on a feature branch from missing operator
// updates committed to main.
func (r *Runner) checkDirectives(ctx context.Context) string {
	doc, err := comms.ShowRemote(ctx, r.wsPath, r.cfg.MainBranch)
	if err != nil {
		r.logger.Warn("directive refresh failed", "error", err)
		return ""
	}
	r.lastDirectives = time.Now()

	fresh := doc.Directives()
	if fresh == r.directives {
		return ""
	}
	r.directives = fresh
	r.logger.Info("directives changed")

	if fresh == "" {
		fresh = "(none)"
	}
	return directiveUpdateNote + fresh
}

// unitResult is how one conversation ended. summary carries the assistant
// text around the terminal marker, for COMMS reports.
type unitResult struct {
	deployed  bool
	completed bool
	failed    bool
	summary   string
}

// converse drives one tool conversation until a terminal marker, a deploy
// signal, or the iteration cap.
func (r *Runner) converse(ctx context.Context, msgs []llm.Message, allowDeploy bool) (unitResult, error) {
	tools := toolset(allowDeploy)

	for i := 0; i < r.cfg.Runner.MaxToolIterations; i++ {
		resp, err := r.client.Complete(ctx, &llm.ChatRequest{
			Model:    r.cfg.LLM.Model,
			Messages: msgs,
			Tools:    tools,
		})
		if err != nil {
			return unitResult{}, err
		}

		m := resp.Choices[0].Message
		reasoning, content := llm.ExtractReasoning(&m)
		if reasoning != "" {
			r.logger.Debug("model reasoning", "text", truncate(reasoning, 2000))
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content, ToolCalls: m.ToolCalls})

		for _, tc := range m.ToolCalls {
			outcome := r.dispatch(ctx, tc, allowDeploy)
			msgs = append(msgs, llm.Message{Role: "tool", Content: outcome.result, ToolCallID: tc.ID})
			if outcome.exit {
				return unitResult{deployed: true}, nil
			}
		}

		switch {
		case strings.Contains(content, MarkerComplete):
			return unitResult{completed: true, summary: markerSummary(content, MarkerComplete)}, nil
		case strings.Contains(content, MarkerFailed):
			return unitResult{failed: true, summary: markerSummary(content, MarkerFailed)}, nil
		}

		if len(m.ToolCalls) == 0 {
			r.logger.Debug("assistant stopped without a marker")
			return unitResult{}, nil
		}

		if allowDeploy && time.Since(r.lastDirectives) > r.cfg.DirectiveInterval() {
			if note := r.checkDirectives(ctx); note != "" {
				msgs = append(msgs, llm.Message{Role: "user", Content: note})
			}
		}
	}
	return unitResult{}, errIterationLimit
}

// promoteOrAbandon is the successor's half of a deploy. Running on a
// non-main branch means the previous incarnation bootstrapped us here to
// prove ourselves: validate, then merge into main and bootstrap back, or
// abandon the branch with a rollback to the pre-merge main.
func (r *Runner) promoteOrAbandon(ctx context.Context) error {
	if err := gitutil.Fetch(ctx, r.wsPath); err != nil {
		return err
	}
	anchor, err := gitutil.RevParse(ctx, r.wsPath, "origin/"+r.cfg.MainBranch)
	if err != nil {
		return err
	}

	if err := r.Validate(ctx); err != nil {
		r.logger.Error("self-validation failed", "error", err)
		return r.abandon(ctx, anchor, fmt.Sprintf("validation failed on %s: %v; abandoning the branch", r.branch, err))
	}
	r.logger.Info("self-validation passed")

	main, err := r.spaces.Ensure(ctx, r.cfg.MainBranch)
	if err != nil {
		return err
	}
	if err := gitutil.Fetch(ctx, main.Path); err != nil {
		return err
	}
	// main's local state is never authoritative; start the merge from the
	// remote tip
	if err := gitutil.ResetHard(ctx, main.Path, "origin/"+r.cfg.MainBranch); err != nil {
		return err
	}
	if err := gitutil.Merge(ctx, main.Path, "origin/"+r.branch); err != nil {
		r.logger.Error("merge into main failed", "error", err)
		return r.abandon(ctx, anchor, fmt.Sprintf("merge of %s into %s failed: %v; abandoning the branch", r.branch, r.cfg.MainBranch, err))
	}
	if err := r.pushMain(ctx, main.Path); err != nil {
		r.report(ctx, r.wsPath, fmt.Sprintf("push of merged %s failed: %v", r.cfg.MainBranch, err))
		return err
	}

	r.report(ctx, main.Path, fmt.Sprintf("validated %s and merged it into %s", r.branch, r.cfg.MainBranch))

	if err := r.channel.Send(models.SignalBootstrap, r.cfg.MainBranch); err != nil {
		return err
	}
	r.logger.Info("bootstrap to main signaled")
	return nil
}

// abandon reports why the branch is being dropped and signals a rollback to
// the pre-merge main. The report is best effort; the rollback is not.
func (r *Runner) abandon(ctx context.Context, anchor, report string) error {
	r.report(ctx, r.wsPath, report)
	if err := r.channel.Send(models.SignalRollback, anchor); err != nil {
		return err
	}
	r.logger.Info("rollback signaled", "ref", anchor)
	return nil
}

// pushMain pushes main with one retry before giving up
func (r *Runner) pushMain(ctx context.Context, dir string) error {
	err := gitutil.Push(ctx, dir, "origin", r.cfg.MainBranch)
	if err == nil {
		return nil
	}
	r.logger.Warn("push failed, retrying once", "error", err)
	if serr := sleepCtx(ctx, 2*time.Second); serr != nil {
		return err
	}
	return gitutil.Push(ctx, dir, "origin", r.cfg.MainBranch)
}

// retireMerged removes workspaces of branches fully merged into main (or
// deleted on the remote). Runs in the main incarnation, the first moment
// retirement is safe: the merging incarnation cannot remove its own
// working directory.
func (r *Runner) retireMerged(ctx context.Context) {
	list, err := r.spaces.List()
	if err != nil {
		r.logger.Warn("workspace listing failed", "error", err)
		return
	}
	if err := gitutil.Fetch(ctx, r.wsPath); err != nil {
		r.logger.Warn("fetch before retirement failed", "error", err)
		return
	}

	for _, ws := range list {
		if ws.Branch == r.cfg.MainBranch {
			continue
		}

		exists, err := gitutil.RemoteBranchExists(ctx, r.wsPath, ws.Branch)
		if err != nil {
			r.logger.Warn("retirement check failed", "branch", ws.Branch, "error", err)
			continue
		}
		merged := !exists
		if exists {
			merged, err = gitutil.IsAncestor(ctx, r.wsPath, "origin/"+ws.Branch, "origin/"+r.cfg.MainBranch)
			if err != nil {
				r.logger.Warn("retirement check failed", "branch", ws.Branch, "error", err)
				continue
			}
		}
		if !merged {
			continue
		}
		if err := r.spaces.Retire(ws.Branch); err != nil {
			r.logger.Warn("retirement failed", "branch", ws.Branch, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
