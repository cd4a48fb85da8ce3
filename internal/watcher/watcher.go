// Package watcher implements the supervisor daemon. It owns every launch of
// the agent process: it consumes durable signals, applies the bootstrap-log
// crash-recovery rule, enforces that at most one agent runs, and applies
// resource-health heuristics. It never edits SYSTEM.md or agent source; its
// only messages to the operator go through logs and COMMS reports.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/hopscotch/internal/bootlog"
	"github.com/kilupskalvis/hopscotch/internal/comms"
	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/kilupskalvis/hopscotch/internal/signals"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
)

// Watcher supervises one agent process for one supervision root
type Watcher struct {
	cfg     *config.Config
	logger  *slog.Logger
	channel *signals.Channel
	bootLog *bootlog.Log
	spaces  *workspace.Manager

	// op serializes supervision actions across the poll and health loops so
	// two paths can never launch concurrently
	op sync.Mutex

	mu      sync.Mutex
	current *models.ProcessRecord // in-memory only, never persisted
	logBase int64                 // errors.log size at last launch
}

// New wires a watcher for the given root
func New(cfg *config.Config, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:     cfg,
		logger:  logger.With("component", "watcher"),
		channel: signals.NewChannel(cfg.SignalPath()),
		bootLog: bootlog.New(cfg.BootstrapLogPath()),
		spaces:  workspace.NewManager(cfg.WorkspacePath(), cfg.RemotePath(), cfg.Project, cfg.MainBranch, logger),
	}
}

// Run supervises until the context ends. A file lock makes the watcher
// single-instance per root. On shutdown the agent is left running; the next
// watcher adopts it from the process table.
func (w *Watcher) Run(ctx context.Context) error {
	lock := flock.New(w.cfg.WatcherLockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire watcher lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another watcher already holds %s", w.cfg.WatcherLockPath())
	}
	defer lock.Unlock()

	w.logger.Info("watcher started",
		"root", w.cfg.Root(),
		"poll_interval", w.cfg.PollInterval().String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pollLoop(ctx) })
	g.Go(func() error { return w.healthLoop(ctx) })
	return g.Wait()
}

// pollLoop runs pollOnce immediately and then on every tick. Poll errors are
// logged and retried on the next tick, never fatal.
func (w *Watcher) pollLoop(ctx context.Context) error {
	if err := w.pollOnce(ctx); err != nil {
		w.logger.Error("poll failed", "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.logger.Error("poll failed", "error", err)
			}
		}
	}
}

// pollOnce is one supervision tick. Signals are consumed before the liveness
// check so a deploy request from an agent that just exited is honored before
// its death triggers recovery. When nothing runs and no signal was consumed,
// the launch target is always main.
func (w *Watcher) pollOnce(ctx context.Context) error {
	w.op.Lock()
	defer w.op.Unlock()

	consumed, err := w.consumeSignals(ctx)
	if err != nil {
		return err
	}
	if consumed {
		return nil
	}

	if rec := w.alive(); rec != nil {
		w.logger.Debug("agent alive", "pid", rec.PID, "branch", rec.Branch)
		return nil
	}
	if rec := w.adoptStray(ctx); rec != nil {
		w.logger.Info("adopted running agent", "pid", rec.PID, "branch", rec.Branch)
		return nil
	}

	return w.fallbackToMain(ctx)
}

// consumeSignals handles every pending signal in kind order and reports
// whether any was consumed. A signal file is deleted only after it was fully
// acted on; one surviving a crash mid-consumption is simply retried on the
// next poll.
func (w *Watcher) consumeSignals(ctx context.Context) (bool, error) {
	pending, err := w.channel.Pending()
	if err != nil {
		return false, err
	}

	for _, sig := range pending {
		w.logger.Info("consuming signal", "kind", sig.Kind, "payload", sig.Payload)

		var cerr error
		switch sig.Kind {
		case models.SignalBootstrap:
			cerr = w.consumeBootstrap(ctx, sig.Payload)
		case models.SignalRollback:
			cerr = w.consumeRollback(ctx, sig.Payload)
		}
		if cerr != nil {
			return false, cerr
		}
		if err := w.channel.Clear(sig.Kind); err != nil {
			return false, err
		}
	}
	return len(pending) > 0, nil
}

// consumeBootstrap launches the requested branch. A branch that cannot be
// brought up at all (missing on the remote, clone failure) resolves into an
// immediate fallback to main rather than an endless retry.
func (w *Watcher) consumeBootstrap(ctx context.Context, branch string) error {
	if err := w.launch(ctx, branch); err != nil {
		w.logger.Error("bootstrap launch failed, falling back to main", "branch", branch, "error", err)
		w.alert(ctx, fmt.Sprintf("bootstrap of %s failed (%v); falling back to %s", branch, err, w.cfg.MainBranch))
		return w.launch(ctx, w.cfg.MainBranch)
	}
	return nil
}

// consumeRollback resets the main workspace to the requested ref and
// relaunches main from it. The remote is never rewritten here; making the
// revert durable is the relaunched agent's job.
func (w *Watcher) consumeRollback(ctx context.Context, ref string) error {
	w.terminateCurrent()

	if err := w.spaces.ResetMain(ctx, ref); err != nil {
		w.logger.Error("rollback reset failed, relaunching main unchanged", "ref", ref, "error", err)
		w.alert(ctx, fmt.Sprintf("rollback to %s failed (%v); relaunching %s at its current tip", ref, err, w.cfg.MainBranch))
		return w.launch(ctx, w.cfg.MainBranch)
	}

	w.logger.Info("rolled back main workspace", "ref", ref)
	return w.launch(ctx, w.cfg.MainBranch)
}

// fallbackToMain relaunches main after finding no live agent. The bootstrap
// log decides how loud this is: no SUCCESS after the latest BOOTSTRAPPING
// means the last launch died during initialization.
func (w *Watcher) fallbackToMain(ctx context.Context) error {
	entries, skipped, err := w.bootLog.Entries()
	if err != nil {
		return err
	}
	if skipped > 0 {
		w.logger.Warn("bootstrap log has unparseable lines", "skipped", skipped)
	}

	last := ""
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Phase == models.PhaseBootstrapping {
			last = entries[i].Branch
			break
		}
	}

	switch {
	case last == "":
		w.logger.Info("no agent has ever launched, starting main")
	case bootlog.NeedsFallback(entries, last):
		w.logger.Error("agent died before completing initialization, falling back to main", "branch", last)
		w.alert(ctx, fmt.Sprintf("branch %s died before completing initialization; falling back to %s", last, w.cfg.MainBranch))
	default:
		w.logger.Warn("agent exited without a deploy signal, relaunching main", "branch", last)
	}

	return w.launch(ctx, w.cfg.MainBranch)
}

// alert records a supervision event as a COMMS report so it reaches the
// operator through the mailbox history, not only the logs. Best effort.
func (w *Watcher) alert(ctx context.Context, text string) {
	ws, err := w.spaces.Ensure(ctx, w.cfg.MainBranch)
	if err != nil {
		w.logger.Warn("alert skipped, no main workspace", "error", err)
		return
	}
	if err := gitutil.Pull(ctx, ws.Path); err != nil {
		w.logger.Warn("alert pull failed", "error", err)
	}
	if err := comms.PublishReport(ctx, ws.Path, "[watcher] "+text); err != nil {
		w.logger.Warn("failed to publish alert", "error", err)
	}
}
