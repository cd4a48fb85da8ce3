// Package comms reads and mutates COMMS.md, the operator/agent mailbox. The
// document holds a Directives section (operator to agent) followed by a
// Reports section (agent to operator) and is only ever changed through git
// commits, so its history is the audit trail.
package comms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/hopscotch/internal/gitutil"
)

// FileName is the document's path inside every project checkout
const FileName = "COMMS.md"

const (
	directivesHeading = "## Directives"
	reportsHeading    = "## Reports"
)

// Document is a parsed COMMS.md
type Document struct {
	preamble   string // content before the Directives heading
	directives string // Directives section body
	reports    string // Reports section body
}

// Parse splits content into preamble, directives, and reports. The parser is
// tolerant: missing headings yield empty sections, and the agent may put
// arbitrary markdown inside each section.
func Parse(content string) *Document {
	doc := &Document{}
	current := &doc.preamble

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, directivesHeading):
			current = &doc.directives
			continue
		case strings.EqualFold(trimmed, reportsHeading):
			current = &doc.reports
			continue
		}
		if *current == "" {
			*current = line
		} else {
			*current += "\n" + line
		}
	}

	doc.preamble = strings.TrimSpace(doc.preamble)
	doc.directives = strings.TrimSpace(doc.directives)
	doc.reports = strings.TrimSpace(doc.reports)
	return doc
}

// Skeleton returns the document seeded into a fresh project
func Skeleton() *Document {
	return &Document{
		preamble: "# COMMS\n\nDirectives flow from the operator to the agent. Reports flow back.",
	}
}

// Render serializes the document with both section headings always present
func (d *Document) Render() string {
	var b strings.Builder
	if d.preamble != "" {
		b.WriteString(d.preamble + "\n\n")
	}
	b.WriteString(directivesHeading + "\n")
	if d.directives != "" {
		b.WriteString("\n" + d.directives + "\n")
	}
	b.WriteString("\n" + reportsHeading + "\n")
	if d.reports != "" {
		b.WriteString("\n" + d.reports + "\n")
	}
	return b.String()
}

// Directives returns the Directives section body
func (d *Document) Directives() string { return d.directives }

// Reports returns the Reports section body
func (d *Document) Reports() string { return d.reports }

// AppendDirective adds a timestamped operator instruction
func (d *Document) AppendDirective(text string) {
	d.directives = appendBullet(d.directives, text)
}

// AppendReport adds a timestamped agent report
func (d *Document) AppendReport(text string) {
	d.reports = appendBullet(d.reports, text)
}

func appendBullet(body, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	line := fmt.Sprintf("- [%s] %s", time.Now().UTC().Format(time.RFC3339), text)
	if body == "" {
		return line
	}
	return body + "\n" + line
}

// LoadDir reads the document from a project checkout. A missing file yields
// the skeleton so first writes work on fresh branches.
func LoadDir(dir string) (*Document, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Skeleton(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return Parse(string(data)), nil
}

// WriteDir writes the document back into a project checkout
func (d *Document) WriteDir(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(d.Render()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// PublishReport appends a report in the given checkout and commits and
// pushes it on the checkout's current branch.
func PublishReport(ctx context.Context, dir, text string) error {
	return publish(ctx, dir, text, false)
}

// PublishDirective pulls the checkout, appends a directive, and commits and
// pushes it. Meant for the main workspace.
func PublishDirective(ctx context.Context, dir, text string) error {
	if err := gitutil.Pull(ctx, dir); err != nil {
		return err
	}
	return publish(ctx, dir, text, true)
}

func publish(ctx context.Context, dir, text string, directive bool) error {
	doc, err := LoadDir(dir)
	if err != nil {
		return err
	}

	kind := "report"
	if directive {
		kind = "directive"
		doc.AppendDirective(text)
	} else {
		doc.AppendReport(text)
	}

	if err := doc.WriteDir(dir); err != nil {
		return err
	}
	if err := gitutil.Add(ctx, dir, FileName); err != nil {
		return err
	}
	if err := gitutil.Commit(ctx, dir, "comms: add "+kind); err != nil {
		return err
	}

	branch, err := gitutil.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	return gitutil.Push(ctx, dir, "origin", branch)
}

// ShowRemote returns the document as committed on origin/<branch>, fetching
// first so directives written moments ago are visible.
func ShowRemote(ctx context.Context, dir, branch string) (*Document, error) {
	if err := gitutil.Fetch(ctx, dir); err != nil {
		return nil, err
	}
	content, err := gitutil.ShowFile(ctx, dir, "origin/"+branch, FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from origin/%s: %w", FileName, branch, err)
	}
	return Parse(content), nil
}
