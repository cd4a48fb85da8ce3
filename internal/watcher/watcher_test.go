package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hopscotch/internal/comms"
	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/kilupskalvis/hopscotch/internal/signals"
)

// setupTestWatcher builds a supervision root with a seeded bare remote (main
// plus a feature-x branch) and a watcher whose runner command is the given
// shell script; the launched branch arrives in the script as $0.
func setupTestWatcher(t *testing.T, script string) *Watcher {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Initialize(filepath.Join(t.TempDir(), "root"))
	require.NoError(t, err)
	cfg.Watcher.RunnerCommand = []string{"sh", "-c", script}
	cfg.Watcher.TerminateGrace = "2s"

	require.NoError(t, gitutil.InitBare(ctx, cfg.RemotePath()))

	seed := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, gitutil.InitRepo(ctx, seed, cfg.MainBranch))
	require.NoError(t, gitutil.EnsureIdentity(ctx, seed, "tester", "tester@example.com"))
	require.NoError(t, os.WriteFile(filepath.Join(seed, "SYSTEM.md"), []byte("# SYSTEM\n"), 0o644))
	require.NoError(t, comms.Skeleton().WriteDir(seed))
	require.NoError(t, gitutil.Add(ctx, seed))
	require.NoError(t, gitutil.Commit(ctx, seed, "initial"))
	require.NoError(t, gitutil.Push(ctx, seed, cfg.RemotePath(), cfg.MainBranch))
	require.NoError(t, gitutil.Push(ctx, seed, cfg.RemotePath(), cfg.MainBranch+":feature-x"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(cfg, logger)
	t.Cleanup(w.terminateCurrent)
	return w
}

// gone reports whether the process disappeared, for Eventually polling
func gone(pid int) func() bool {
	return func() bool {
		proc, err := os.FindProcess(pid)
		return err != nil || proc.Signal(syscall.Signal(0)) != nil
	}
}

func TestPollOnce_FirstLaunchStartsMain(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 31")

	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "main", rec.Branch)
	assert.Positive(t, rec.PID)
	assert.True(t, w.spaces.Exists("main"))

	last, err := w.bootLog.LastLaunched()
	require.NoError(t, err)
	assert.Equal(t, "main", last)

	// a live agent makes the next poll a no-op
	require.NoError(t, w.pollOnce(ctx))
	rec2 := w.alive()
	require.NotNil(t, rec2)
	assert.Equal(t, rec.PID, rec2.PID)

	entries, _, err := w.bootLog.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConsumeBootstrap_LaunchesSignaledBranch(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 32")

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "feature-x", rec.Branch)
	assert.True(t, w.spaces.Exists("feature-x"))

	last, err := w.bootLog.LastLaunched()
	require.NoError(t, err)
	assert.Equal(t, "feature-x", last)

	// deleted only after the launch fully happened
	_, err = w.channel.Peek(models.SignalBootstrap)
	assert.ErrorIs(t, err, signals.ErrNoSignal)
}

func TestConsumeBootstrap_ReplacesRunningAgent(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 33")

	require.NoError(t, w.pollOnce(ctx))
	first := w.alive()
	require.NotNil(t, first)

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx))

	second := w.alive()
	require.NotNil(t, second)
	assert.Equal(t, "feature-x", second.Branch)
	assert.NotEqual(t, first.PID, second.PID)

	assert.Eventually(t, gone(first.PID), 5*time.Second, 50*time.Millisecond,
		"replaced agent should be terminated")
}

func TestConsumeSignals_RetryAfterCrashIsIdempotent(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 34")

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx))
	first := w.alive()
	require.NotNil(t, first)

	// as if the watcher crashed after launching but before deleting the
	// signal file: the rewritten signal is consumed again without harm
	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx))

	second := w.alive()
	require.NotNil(t, second)
	assert.Equal(t, "feature-x", second.Branch)
	assert.NotEqual(t, first.PID, second.PID)

	assert.Eventually(t, gone(first.PID), 5*time.Second, 50*time.Millisecond)

	_, err := w.channel.Peek(models.SignalBootstrap)
	assert.ErrorIs(t, err, signals.ErrNoSignal)
}

func TestPollOnce_FallsBackToMainAfterFailedBootstrap(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "exit 7")

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx))

	// the feature-x agent dies before ever writing SUCCESS
	assert.Eventually(t, func() bool { return w.alive() == nil }, 5*time.Second, 50*time.Millisecond)

	w.cfg.Watcher.RunnerCommand = []string{"sh", "-c", "sleep 35"}
	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "main", rec.Branch)

	needs, err := w.bootLog.NeedsFallback("feature-x")
	require.NoError(t, err)
	assert.True(t, needs)

	// the operator sees the fallback in the mailbox
	ws, err := w.spaces.Ensure(ctx, "main")
	require.NoError(t, err)
	doc, err := comms.ShowRemote(ctx, ws.Path, "main")
	require.NoError(t, err)
	assert.Contains(t, doc.Reports(), "died before completing initialization")
}

func TestConsumeBootstrap_MissingBranchFallsBack(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 36")

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "no-such-branch"))
	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "main", rec.Branch)
	assert.False(t, w.spaces.Exists("no-such-branch"))

	_, err := w.channel.Peek(models.SignalBootstrap)
	assert.ErrorIs(t, err, signals.ErrNoSignal)
}

func TestConsumeRollback_ResetsMainAndRelaunches(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 37")

	// grow origin/main past the anchor with a bad change
	op := filepath.Join(t.TempDir(), "op")
	require.NoError(t, gitutil.Clone(ctx, w.cfg.RemotePath(), "main", op))
	require.NoError(t, gitutil.EnsureIdentity(ctx, op, "tester", "tester@example.com"))
	anchor, err := gitutil.RevParse(ctx, op, "HEAD")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(op, "bad.txt"), []byte("bad\n"), 0o644))
	require.NoError(t, gitutil.Add(ctx, op))
	require.NoError(t, gitutil.Commit(ctx, op, "bad change"))
	require.NoError(t, gitutil.Push(ctx, op, "origin", "main"))

	require.NoError(t, w.channel.Send(models.SignalRollback, anchor))
	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "main", rec.Branch)

	ws, err := w.spaces.Ensure(ctx, "main")
	require.NoError(t, err)
	head, err := gitutil.RevParse(ctx, ws.Path, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, anchor, head)
	assert.NoFileExists(t, filepath.Join(ws.Path, "bad.txt"))

	last, err := w.bootLog.LastLaunched()
	require.NoError(t, err)
	assert.Equal(t, "main", last)

	_, err = w.channel.Peek(models.SignalRollback)
	assert.ErrorIs(t, err, signals.ErrNoSignal)

	// the remote tip is untouched: rollback never rewrites history
	tip, err := gitutil.RevParse(ctx, op, "origin/main")
	require.NoError(t, err)
	assert.NotEqual(t, anchor, tip)
}

func TestConsumeSignals_LatestBootstrapWins(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 38")

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "main"))
	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "feature-x", rec.Branch)

	entries, _, err := w.bootLog.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "feature-x", entries[0].Branch)
}

func TestHopScotch_EndToEnd(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 39")

	// a shell stand-in for the agent: log SUCCESS for the launched branch,
	// and when not on main, signal a bootstrap back to main and idle
	script := fmt.Sprintf(
		`printf '%%s %%s SUCCESS\n' "$(date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ)" "$0" >> %q
if [ "$0" != main ]; then printf 'main\n' > %q; fi
sleep 39`,
		w.cfg.BootstrapLogPath(),
		filepath.Join(w.cfg.SignalPath(), "bootstrap"),
	)
	w.cfg.Watcher.RunnerCommand = []string{"sh", "-c", script}

	require.NoError(t, w.channel.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, w.pollOnce(ctx)) // hop: launch feature-x

	require.Eventually(t, func() bool {
		sig, err := w.channel.Peek(models.SignalBootstrap)
		return err == nil && sig.Payload == "main"
	}, 5*time.Second, 50*time.Millisecond, "feature-x agent should signal back to main")

	require.NoError(t, w.pollOnce(ctx)) // land: consume bootstrap(main)

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "main", rec.Branch)

	assert.Eventually(t, func() bool {
		entries, _, err := w.bootLog.Entries()
		return err == nil && len(entries) == 4
	}, 5*time.Second, 50*time.Millisecond)

	entries, _, err := w.bootLog.Entries()
	require.NoError(t, err)
	var seq []string
	for _, e := range entries {
		seq = append(seq, e.Branch+" "+string(e.Phase))
	}
	assert.Equal(t, []string{
		"feature-x BOOTSTRAPPING",
		"feature-x SUCCESS",
		"main BOOTSTRAPPING",
		"main SUCCESS",
	}, seq)
}

func TestRun_SingleInstanceLock(t *testing.T) {
	w := setupTestWatcher(t, "sleep 41")

	lock := flock.New(w.cfg.WatcherLockPath())
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	err = w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another watcher")
}

func TestRun_StopsOnCancelAndLeavesAgentRunning(t *testing.T) {
	w := setupTestWatcher(t, "sleep 42")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return w.alive() != nil }, 10*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	// the agent outlives its supervisor
	rec := w.alive()
	require.NotNil(t, rec)
}
