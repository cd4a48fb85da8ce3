package watcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// healthLoop applies the resource heuristics on the poll cadence. Both
// checks are advisory and disabled by zero limits.
func (w *Watcher) healthLoop(ctx context.Context) error {
	if w.cfg.Watcher.MaxCPUPercent <= 0 && w.cfg.Watcher.MaxLogBytes <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.checkHealth(ctx)
		}
	}
}

// checkHealth samples the tracked agent against the configured limits and
// replaces it with a fresh main launch when it misbehaves.
func (w *Watcher) checkHealth(ctx context.Context) {
	w.op.Lock()
	defer w.op.Unlock()

	rec := w.alive()
	if rec == nil {
		return
	}

	if limit := w.cfg.Watcher.MaxLogBytes; limit > 0 {
		if grown, ok := w.logGrowth(); ok && grown > limit {
			w.misbehaving(ctx, rec.Branch, fmt.Sprintf("errors.log grew %d bytes since launch (limit %d)", grown, limit))
			return
		}
	}

	if limit := w.cfg.Watcher.MaxCPUPercent; limit > 0 {
		if cpu, err := sampleCPU(ctx, rec.PID); err == nil && cpu > limit {
			w.misbehaving(ctx, rec.Branch, fmt.Sprintf("cpu at %.1f%% (limit %.1f%%)", cpu, limit))
			return
		}
	}
}

// logGrowth reports how much errors.log grew since the last launch. The file
// is append-only across launches, so size alone says nothing.
func (w *Watcher) logGrowth() (int64, bool) {
	info, err := os.Stat(w.cfg.ErrorsLogPath())
	if err != nil {
		return 0, false
	}
	w.mu.Lock()
	base := w.logBase
	w.mu.Unlock()
	return info.Size() - base, true
}

// sampleCPU reads the process's lifetime cpu share from ps. An agent pegging
// a core drifts toward 100 here; short bursts barely move it.
func sampleCPU(ctx context.Context, pid int) (float64, error) {
	out, err := exec.CommandContext(ctx, "ps", "-o", "%cpu=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, fmt.Errorf("ps failed for pid %d: %w", pid, err)
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// misbehaving terminates a runaway agent, tells the operator why, and
// relaunches main.
func (w *Watcher) misbehaving(ctx context.Context, branch, reason string) {
	w.logger.Error("agent unhealthy, relaunching main", "branch", branch, "reason", reason)
	w.terminateCurrent()
	w.alert(ctx, fmt.Sprintf("agent on %s terminated: %s; relaunching %s", branch, reason, w.cfg.MainBranch))

	if err := w.launch(ctx, w.cfg.MainBranch); err != nil {
		w.logger.Error("relaunch after health termination failed", "error", err)
	}
}
