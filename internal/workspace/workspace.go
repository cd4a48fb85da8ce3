// Package workspace manages per-branch working clones laid out as
// <root>/<branch>/<project>, each cloned from the shared bare remote. The
// directory tree is the only registry: a branch has a workspace exactly when
// its directory exists.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/models"
)

const (
	identityName  = "hopscotch-agent"
	identityEmail = "agent@hopscotch.local"
)

// Manager creates, finds, and retires branch workspaces
type Manager struct {
	root    string // directory holding one subdirectory per branch
	remote  string // bare remote all workspaces are cloned from
	project string // checkout directory name under each branch dir
	main    string // branch that is never retired
	logger  *slog.Logger
}

// NewManager returns a manager rooted at root, cloning from remote
func NewManager(root, remote, project, main string, logger *slog.Logger) *Manager {
	return &Manager{root: root, remote: remote, project: project, main: main, logger: logger}
}

// ValidBranch rejects branch names that cannot serve as a workspace
// directory name
func ValidBranch(branch string) error {
	switch branch {
	case "", ".", "..":
		return fmt.Errorf("invalid branch name %q", branch)
	}
	if strings.ContainsAny(branch, "/\\ \t") || strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

// Path returns where branch's checkout lives, whether or not it exists
func (m *Manager) Path(branch string) string {
	return filepath.Join(m.root, branch, m.project)
}

// Exists reports whether branch currently has a workspace
func (m *Manager) Exists(branch string) bool {
	info, err := os.Stat(m.Path(branch))
	return err == nil && info.IsDir()
}

// Ensure returns branch's workspace, cloning it from the remote when absent.
// The clone checks out the requested branch; a branch missing on the remote
// is an error the caller turns into fallback.
func (m *Manager) Ensure(ctx context.Context, branch string) (*models.BranchWorkspace, error) {
	if err := ValidBranch(branch); err != nil {
		return nil, err
	}

	ws := &models.BranchWorkspace{Branch: branch, Path: m.Path(branch), CloneOrigin: m.remote}
	if m.Exists(branch) {
		return ws, nil
	}

	m.logger.Info("cloning branch workspace", "branch", branch, "path", ws.Path)

	if err := os.MkdirAll(filepath.Dir(ws.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if err := gitutil.Clone(ctx, m.remote, branch, ws.Path); err != nil {
		os.RemoveAll(filepath.Dir(ws.Path))
		return nil, fmt.Errorf("failed to clone workspace for %s: %w", branch, err)
	}
	if err := gitutil.EnsureIdentity(ctx, ws.Path, identityName, identityEmail); err != nil {
		return nil, err
	}
	return ws, nil
}

// Retire removes branch's workspace. The main branch is never retired; the
// caller decides when retirement is safe (after its work has been merged).
func (m *Manager) Retire(branch string) error {
	if err := ValidBranch(branch); err != nil {
		return err
	}
	if branch == m.main {
		return fmt.Errorf("refusing to retire the %s workspace", m.main)
	}
	if !m.Exists(branch) {
		return nil
	}

	m.logger.Info("retiring branch workspace", "branch", branch)
	if err := os.RemoveAll(filepath.Join(m.root, branch)); err != nil {
		return fmt.Errorf("failed to retire workspace for %s: %w", branch, err)
	}
	return nil
}

// ResetMain moves the main workspace to ref, discarding local state. Used by
// the rollback path; the remote itself is never rewritten here.
func (m *Manager) ResetMain(ctx context.Context, ref string) error {
	ws, err := m.Ensure(ctx, m.main)
	if err != nil {
		return err
	}
	if err := gitutil.Fetch(ctx, ws.Path); err != nil {
		return err
	}
	if err := gitutil.ResetHard(ctx, ws.Path, ref); err != nil {
		return fmt.Errorf("failed to reset %s to %s: %w", m.main, ref, err)
	}
	m.logger.Info("reset main workspace", "ref", ref)
	return nil
}

// List returns all existing workspaces sorted by branch name
func (m *Manager) List() ([]*models.BranchWorkspace, error) {
	dirs, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}

	var out []*models.BranchWorkspace
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		branch := d.Name()
		if m.Exists(branch) {
			out = append(out, &models.BranchWorkspace{
				Branch:      branch,
				Path:        m.Path(branch),
				CloneOrigin: m.remote,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}
