// Package signals implements the durable control channel between agent and
// watcher: one plain-text file per signal kind in a shared directory. A
// signal survives crashes of either process and is deleted only after the
// watcher has fully acted on it.
package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/hopscotch/internal/models"
)

// ErrNoSignal is returned when no signal of the requested kind is pending
var ErrNoSignal = errors.New("no signal pending")

// Channel reads and writes signal files in one directory. At most one signal
// per kind is pending at a time; a second write of the same kind replaces
// the first, so the watcher only ever sees the most recent request.
type Channel struct {
	dir string
}

// NewChannel returns a channel backed by the given signal directory
func NewChannel(dir string) *Channel {
	return &Channel{dir: dir}
}

// Dir returns the signal directory
func (c *Channel) Dir() string { return c.dir }

func (c *Channel) path(kind models.SignalKind) string {
	return filepath.Join(c.dir, string(kind))
}

func validKind(kind models.SignalKind) error {
	switch kind {
	case models.SignalBootstrap, models.SignalRollback:
		return nil
	}
	return fmt.Errorf("unknown signal kind %q", kind)
}

// Send durably publishes a signal, replacing any pending signal of the same
// kind. The file appears atomically: temp file, fsync, rename.
func (c *Channel) Send(kind models.SignalKind, payload string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || strings.ContainsAny(payload, "\r\n") {
		return fmt.Errorf("signal payload must be a single non-empty line")
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create signal directory: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp signal file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(payload + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write signal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync signal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close signal file: %w", err)
	}

	if err := os.Rename(tmp.Name(), c.path(kind)); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Peek returns the pending signal of the given kind without consuming it.
// Returns ErrNoSignal when none is pending.
func (c *Channel) Peek(kind models.SignalKind) (*models.Signal, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(c.path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSignal
		}
		return nil, fmt.Errorf("failed to read %s signal: %w", kind, err)
	}

	sig := &models.Signal{
		Kind:    kind,
		Payload: strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0]),
	}
	if info, err := os.Stat(c.path(kind)); err == nil {
		sig.CreatedAt = info.ModTime()
	}
	return sig, nil
}

// Pending returns all pending signals in kind order
func (c *Channel) Pending() ([]*models.Signal, error) {
	var out []*models.Signal
	for _, kind := range []models.SignalKind{models.SignalBootstrap, models.SignalRollback} {
		sig, err := c.Peek(kind)
		if errors.Is(err, ErrNoSignal) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// Clear removes the signal file of the given kind. Clearing an absent signal
// is a no-op, which makes retried consumption after a watcher crash safe.
func (c *Channel) Clear(kind models.SignalKind) error {
	if err := validKind(kind); err != nil {
		return err
	}
	if err := os.Remove(c.path(kind)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear %s signal: %w", kind, err)
	}
	return nil
}
