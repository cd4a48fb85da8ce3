// Package gitutil wraps the git CLI. The supervision system treats git as
// the single authority for code and COMMS history; ref updates on the shared
// remote are its concurrency boundary, so every mutation here goes through
// plain clone/commit/push/merge plumbing.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// run executes one git command in dir and returns trimmed stdout.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// InitBare creates a bare repository at path
func InitBare(ctx context.Context, path string) error {
	_, err := run(ctx, "", "init", "--bare", path)
	return err
}

// InitRepo creates a normal repository at path with the given initial branch
func InitRepo(ctx context.Context, path, branch string) error {
	_, err := run(ctx, "", "init", "-b", branch, path)
	return err
}

// Clone clones origin into dest checked out to branch. All remote branches
// are fetched so origin/<other> refs stay resolvable in the clone.
func Clone(ctx context.Context, origin, branch, dest string) error {
	_, err := run(ctx, "", "clone", "--branch", branch, origin, dest)
	return err
}

// Fetch updates all remote-tracking refs from origin
func Fetch(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "fetch", "origin", "--prune")
	return err
}

// Pull fast-forwards the current branch from origin
func Pull(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "pull", "--ff-only", "origin")
	return err
}

// Add stages the given paths, or everything when none are given
func Add(ctx context.Context, dir string, paths ...string) error {
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err := run(ctx, dir, args...)
	return err
}

// Commit records staged changes with the given message
func Commit(ctx context.Context, dir, message string) error {
	_, err := run(ctx, dir, "commit", "-m", message)
	return err
}

// Push pushes refspec to the named remote. remote may be a configured
// remote name or a direct URL/path.
func Push(ctx context.Context, dir, remote, refspec string) error {
	_, err := run(ctx, dir, "push", remote, refspec)
	return err
}

// Merge merges ref into the current branch without opening an editor
func Merge(ctx context.Context, dir, ref string) error {
	_, err := run(ctx, dir, "merge", "--no-edit", ref)
	return err
}

// ResetHard moves the current branch and working tree to ref
func ResetHard(ctx context.Context, dir, ref string) error {
	_, err := run(ctx, dir, "reset", "--hard", ref)
	return err
}

// CurrentBranch returns the checked-out branch name
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves ref to a full object ID
func RevParse(ctx context.Context, dir, ref string) (string, error) {
	return run(ctx, dir, "rev-parse", ref)
}

// RemoteBranchExists reports whether origin has a branch with this name
func RemoteBranchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, err := run(ctx, dir, "ls-remote", "--exit-code", "--heads", "origin", branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
		return false, nil
	}
	return false, err
}

// ShowFile returns the content of path as committed at ref, e.g.
// ShowFile(ctx, dir, "origin/main", "COMMS.md"). Run Fetch first when the
// remote-tracking ref must be current.
func ShowFile(ctx context.Context, dir, ref, path string) (string, error) {
	return run(ctx, dir, "show", ref+":"+path)
}

// IsAncestor reports whether ancestor is reachable from ref
func IsAncestor(ctx context.Context, dir, ancestor, ref string) (bool, error) {
	_, err := run(ctx, dir, "merge-base", "--is-ancestor", ancestor, ref)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// EnsureIdentity sets a local committer identity when none is configured,
// so commits never stall on a missing global git config.
func EnsureIdentity(ctx context.Context, dir, name, email string) error {
	if _, err := run(ctx, dir, "config", "user.email"); err == nil {
		return nil
	}
	if _, err := run(ctx, dir, "config", "user.name", name); err != nil {
		return fmt.Errorf("set user.name: %w", err)
	}
	if _, err := run(ctx, dir, "config", "user.email", email); err != nil {
		return fmt.Errorf("set user.email: %w", err)
	}
	return nil
}
