package signals

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hopscotch/internal/models"
)

func TestSend_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	ch := NewChannel(dir)

	require.NoError(t, ch.Send(models.SignalBootstrap, "feature-x"))

	sig, err := ch.Peek(models.SignalBootstrap)
	require.NoError(t, err)
	assert.Equal(t, models.SignalBootstrap, sig.Kind)
	assert.Equal(t, "feature-x", sig.Payload)
	assert.False(t, sig.CreatedAt.IsZero())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may remain")
	assert.Equal(t, "bootstrap", entries[0].Name())
}

func TestSend_LatestOfSameKindWins(t *testing.T) {
	ch := NewChannel(t.TempDir())

	require.NoError(t, ch.Send(models.SignalBootstrap, "feature-x"))
	require.NoError(t, ch.Send(models.SignalBootstrap, "feature-y"))

	sig, err := ch.Peek(models.SignalBootstrap)
	require.NoError(t, err)
	assert.Equal(t, "feature-y", sig.Payload)
}

func TestSend_RejectsBadPayloads(t *testing.T) {
	ch := NewChannel(t.TempDir())

	assert.Error(t, ch.Send(models.SignalBootstrap, ""))
	assert.Error(t, ch.Send(models.SignalBootstrap, "   "))
	assert.Error(t, ch.Send(models.SignalBootstrap, "two\nlines"))
	assert.Error(t, ch.Send(models.SignalKind("restart"), "x"))
}

func TestPeek_NoSignal(t *testing.T) {
	ch := NewChannel(t.TempDir())

	_, err := ch.Peek(models.SignalRollback)
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestClear_ConsumedExactlyOnce(t *testing.T) {
	ch := NewChannel(t.TempDir())

	require.NoError(t, ch.Send(models.SignalRollback, "abc123"))
	require.NoError(t, ch.Clear(models.SignalRollback))

	_, err := ch.Peek(models.SignalRollback)
	assert.ErrorIs(t, err, ErrNoSignal)

	// clearing again is a safe no-op
	assert.NoError(t, ch.Clear(models.SignalRollback))
}

func TestPending_ListsBothKinds(t *testing.T) {
	ch := NewChannel(t.TempDir())

	require.NoError(t, ch.Send(models.SignalRollback, "abc123"))
	require.NoError(t, ch.Send(models.SignalBootstrap, "feature-x"))

	pending, err := ch.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.SignalBootstrap, pending[0].Kind)
	assert.Equal(t, models.SignalRollback, pending[1].Kind)
}

func TestSend_TrimsPayload(t *testing.T) {
	dir := t.TempDir()
	ch := NewChannel(dir)

	require.NoError(t, ch.Send(models.SignalBootstrap, "  feature-x  "))

	data, err := os.ReadFile(filepath.Join(dir, "bootstrap"))
	require.NoError(t, err)
	assert.Equal(t, "feature-x\n", string(data))
}
