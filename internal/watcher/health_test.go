package watcher

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHealth_TerminatesOnLogGrowth(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 45")
	w.cfg.Watcher.MaxLogBytes = 64

	require.NoError(t, w.pollOnce(ctx))
	first := w.alive()
	require.NotNil(t, first)

	require.NoError(t, os.WriteFile(w.cfg.ErrorsLogPath(), bytes.Repeat([]byte("x"), 4096), 0o644))

	w.checkHealth(ctx)

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, "main", rec.Branch)
	assert.NotEqual(t, first.PID, rec.PID)
	assert.Eventually(t, gone(first.PID), 5*time.Second, 50*time.Millisecond)

	// the relaunch reset the growth baseline, so the next check is quiet
	w.checkHealth(ctx)
	rec2 := w.alive()
	require.NotNil(t, rec2)
	assert.Equal(t, rec.PID, rec2.PID)
}

func TestCheckHealth_QuietUnderLimits(t *testing.T) {
	ctx := context.Background()
	w := setupTestWatcher(t, "sleep 46")
	w.cfg.Watcher.MaxLogBytes = 1 << 20
	w.cfg.Watcher.MaxCPUPercent = 100

	require.NoError(t, w.pollOnce(ctx))
	first := w.alive()
	require.NotNil(t, first)

	w.checkHealth(ctx)

	rec := w.alive()
	require.NotNil(t, rec)
	assert.Equal(t, first.PID, rec.PID)
}

func TestSampleCPU_ReadsProcessTable(t *testing.T) {
	cpu, err := sampleCPU(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cpu, 0.0)
}
