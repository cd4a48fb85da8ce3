package watcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/kilupskalvis/hopscotch/internal/models"
)

// launch starts the agent for branch. The BOOTSTRAPPING entry is appended
// before anything else so even a launch that fails to exec is visible to the
// recovery rule; any existing agent is terminated first to keep the
// at-most-one invariant.
func (w *Watcher) launch(ctx context.Context, branch string) error {
	if err := w.bootLog.Append(branch, models.PhaseBootstrapping); err != nil {
		return err
	}

	w.terminateCurrent()

	ws, err := w.spaces.Ensure(ctx, branch)
	if err != nil {
		return err
	}

	argv, err := w.runnerArgv(branch)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(w.cfg.ErrorsLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open errors log: %w", err)
	}
	defer out.Close()

	base := int64(0)
	if info, err := out.Stat(); err == nil {
		base = info.Size()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.Path
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), config.EnvRoot+"="+w.cfg.Root())

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch agent for %s: %w", branch, err)
	}

	rec := &models.ProcessRecord{PID: cmd.Process.Pid, Branch: branch, LaunchedAt: time.Now()}
	w.mu.Lock()
	w.current = rec
	w.logBase = base
	w.mu.Unlock()

	w.logger.Info("agent launched", "branch", branch, "pid", rec.PID, "command", strings.Join(argv, " "))

	go w.reap(cmd, rec.PID)
	return nil
}

// runnerArgv builds the launch command: the configured runner_command with
// the branch appended, or this binary's own run command.
func (w *Watcher) runnerArgv(branch string) ([]string, error) {
	if cmd := w.cfg.Watcher.RunnerCommand; len(cmd) > 0 {
		return append(append([]string{}, cmd...), branch), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own executable: %w", err)
	}
	return []string{exe, "run", "--branch", branch}, nil
}

// runnerMarker is the command-line prefix used to recognize an agent in the
// process table.
func runnerMarker(cfg *config.Config) string {
	if cmd := cfg.Watcher.RunnerCommand; len(cmd) > 0 {
		return strings.Join(cmd, " ")
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe + " run"
}

// reap waits on an owned child so it never lingers as a zombie and clears
// the record when the exiting process is still the one we launched.
func (w *Watcher) reap(cmd *exec.Cmd, pid int) {
	err := cmd.Wait()

	w.mu.Lock()
	if w.current != nil && w.current.PID == pid {
		w.current = nil
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("agent exited with error", "pid", pid, "error", err)
	} else {
		w.logger.Info("agent exited", "pid", pid)
	}
}

// alive returns the tracked record while its process still exists. Owned
// children are cleared by reap on exit; adopted processes are probed with
// signal 0.
func (w *Watcher) alive() *models.ProcessRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	if proc, err := os.FindProcess(w.current.PID); err != nil || proc.Signal(syscall.Signal(0)) != nil {
		w.current = nil
		return nil
	}
	rec := *w.current
	return &rec
}

// adoptStray picks up an agent left running by a previous watcher. The
// record is rebuilt from the process table and the bootstrap log; the
// adopted process cannot be reaped, only probed and signaled.
func (w *Watcher) adoptStray(ctx context.Context) *models.ProcessRecord {
	pid, ok := FindAgent(ctx, w.cfg)
	if !ok {
		return nil
	}

	branch, err := w.bootLog.LastLaunched()
	if err != nil || branch == "" {
		branch = w.cfg.MainBranch
	}

	rec := &models.ProcessRecord{PID: pid, Branch: branch, LaunchedAt: time.Now()}
	w.mu.Lock()
	w.current = rec
	w.mu.Unlock()
	return rec
}

// FindAgent scans the process table for a command line matching the runner
// marker. Exact for the default self-exec command, best effort for
// configured ones.
func FindAgent(ctx context.Context, cfg *config.Config) (int, bool) {
	marker := runnerMarker(cfg)
	if marker == "" {
		return 0, false
	}

	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid=,args=").Output()
	if err != nil {
		return 0, false
	}

	self := os.Getpid()
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid == self {
			continue
		}
		if strings.Contains(fields[1], marker) {
			return pid, true
		}
	}
	return 0, false
}

// terminateCurrent stops the tracked agent: SIGTERM, a bounded grace period,
// then SIGKILL. A no-op when nothing is tracked.
func (w *Watcher) terminateCurrent() {
	w.mu.Lock()
	rec := w.current
	w.current = nil
	w.mu.Unlock()

	if rec == nil {
		return
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}
	w.logger.Info("terminating agent", "pid", rec.PID, "branch", rec.Branch)

	deadline := time.After(w.cfg.TerminateGrace())
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			proc.Kill()
			w.logger.Warn("agent killed after grace period", "pid", rec.PID)
			return
		case <-tick.C:
			if proc.Signal(syscall.Signal(0)) != nil {
				return
			}
		}
	}
}
