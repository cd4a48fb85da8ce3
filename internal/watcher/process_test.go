package watcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hopscotch/internal/config"
)

func TestLaunch_RedirectsOutputToErrorsLog(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, `echo "hello from the agent" >&2`)

	require.NoError(t, w.launch(ctx, "main"))

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(w.cfg.ErrorsLogPath())
		return err == nil && len(data) > 0
	}, 5*time.Second, 50*time.Millisecond)

	data, err := os.ReadFile(w.cfg.ErrorsLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the agent")
}

func TestLaunch_SetsWorkspaceCwdAndRootEnv(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, `pwd; printf '%s\n' "$HOPSCOTCH_ROOT"`)

	require.NoError(t, w.launch(ctx, "feature-x"))

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(w.cfg.ErrorsLogPath())
		return err == nil && len(data) > 0
	}, 5*time.Second, 50*time.Millisecond)

	data, err := os.ReadFile(w.cfg.ErrorsLogPath())
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(w.spaces.Path("feature-x"))
	require.NoError(t, err)
	assert.Contains(t, string(data), resolved)
	assert.Contains(t, string(data), w.cfg.Root())
}

func TestRunnerArgv_AppendsBranch(t *testing.T) {
	w := setupTestWatcher(t, "sleep 43")

	argv, err := w.runnerArgv("feature-x")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "sleep 43", "feature-x"}, argv)

	// without a configured command the watcher launches itself
	w.cfg.Watcher.RunnerCommand = nil
	argv, err = w.runnerArgv("feature-x")
	require.NoError(t, err)
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, []string{exe, "run", "--branch", "feature-x"}, argv)
}

func TestReap_ClearsExitedAgent(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "exit 0")

	require.NoError(t, w.launch(ctx, "main"))

	assert.Eventually(t, func() bool { return w.alive() == nil }, 5*time.Second, 50*time.Millisecond)
}

func TestTerminateCurrent_StopsAgent(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 44")

	require.NoError(t, w.launch(ctx, "main"))
	rec := w.alive()
	require.NotNil(t, rec)

	w.terminateCurrent()

	assert.Nil(t, w.alive())
	assert.Eventually(t, gone(rec.PID), 5*time.Second, 50*time.Millisecond)
}

func TestAdoptStray_ReattachesToLeftoverAgent(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 3607; true")

	// an agent from a previous watcher incarnation, not this watcher's child
	stray := exec.Command("sh", "-c", "sleep 3607; true", "main")
	stray.Env = append(os.Environ(), config.EnvRoot+"="+w.cfg.Root())
	require.NoError(t, stray.Start())
	t.Cleanup(func() {
		stray.Process.Kill()
		stray.Wait()
	})

	require.NoError(t, w.pollOnce(ctx))

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, stray.Process.Pid, rec.PID)

	// adoption launches nothing
	entries, _, err := w.bootLog.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
