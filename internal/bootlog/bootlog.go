// Package bootlog maintains the append-only bootstrap log. Each line records
// a launch phase transition (`<RFC3339> <branch> <PHASE>`), and the recovery
// decision after a crash is a pure function over the parsed entries: a
// branch whose latest BOOTSTRAPPING has no later SUCCESS never came up.
package bootlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/hopscotch/internal/models"
)

// Log appends to and parses one bootstrap log file
type Log struct {
	path string
}

// New returns a log backed by the given file path
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location
func (l *Log) Path() string { return l.path }

// Append writes one entry with the current UTC time. The file is opened
// O_APPEND per call so watcher and runner can interleave writes safely.
func (l *Log) Append(branch string, phase models.Phase) error {
	if branch == "" {
		return errors.New("empty branch name")
	}
	switch phase {
	case models.PhaseBootstrapping, models.PhaseSuccess:
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open bootstrap log: %w", err)
	}

	line := fmt.Sprintf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339), branch, phase)
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append bootstrap log: %w", err)
	}
	return f.Close()
}

// Entries parses the whole log in append order. Unparseable lines (torn
// writes, manual edits) are skipped and counted, never fatal.
func (l *Log) Entries() ([]models.LogEntry, int, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open bootstrap log: %w", err)
	}
	defer f.Close()

	var entries []models.LogEntry
	skipped := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read bootstrap log: %w", err)
	}
	return entries, skipped, nil
}

func parseLine(line string) (models.LogEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return models.LogEntry{}, false
	}

	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return models.LogEntry{}, false
	}

	phase := models.Phase(fields[2])
	if phase != models.PhaseBootstrapping && phase != models.PhaseSuccess {
		return models.LogEntry{}, false
	}

	return models.LogEntry{Timestamp: ts, Branch: fields[1], Phase: phase}, true
}

// LastLaunched returns the branch of the most recent BOOTSTRAPPING entry,
// or "" when nothing was ever launched.
func (l *Log) LastLaunched() (string, error) {
	entries, _, err := l.Entries()
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Phase == models.PhaseBootstrapping {
			return entries[i].Branch, nil
		}
	}
	return "", nil
}

// NeedsFallback reports whether the latest BOOTSTRAPPING entry for branch
// has no later SUCCESS for the same branch. Append order decides "later";
// timestamps are informational only.
func NeedsFallback(entries []models.LogEntry, branch string) bool {
	last := -1
	for i, e := range entries {
		if e.Branch == branch && e.Phase == models.PhaseBootstrapping {
			last = i
		}
	}
	if last == -1 {
		return false
	}
	for _, e := range entries[last+1:] {
		if e.Branch == branch && e.Phase == models.PhaseSuccess {
			return false
		}
	}
	return true
}

// NeedsFallback applies the pure decision to the log on disk
func (l *Log) NeedsFallback(branch string) (bool, error) {
	entries, _, err := l.Entries()
	if err != nil {
		return false, err
	}
	return NeedsFallback(entries, branch), nil
}
