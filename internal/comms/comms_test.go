package comms

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hopscotch/internal/gitutil"
)

func TestParseRender_RoundTrip(t *testing.T) {
	content := "# COMMS\n\nintro text\n\n## Directives\n\n- [2026-01-02T03:04:05Z] ship it\n\n## Reports\n\n- [2026-01-02T04:04:05Z] shipped\n"

	doc := Parse(content)
	assert.Equal(t, "# COMMS\n\nintro text", doc.preamble)
	assert.Equal(t, "- [2026-01-02T03:04:05Z] ship it", doc.Directives())
	assert.Equal(t, "- [2026-01-02T04:04:05Z] shipped", doc.Reports())

	again := Parse(doc.Render())
	assert.Equal(t, doc.Directives(), again.Directives())
	assert.Equal(t, doc.Reports(), again.Reports())
	assert.Equal(t, doc.preamble, again.preamble)
}

func TestParse_MissingHeadings(t *testing.T) {
	doc := Parse("just some text\nwith no sections\n")

	assert.Empty(t, doc.Directives())
	assert.Empty(t, doc.Reports())

	rendered := doc.Render()
	assert.Contains(t, rendered, "## Directives")
	assert.Contains(t, rendered, "## Reports")
	assert.Contains(t, rendered, "just some text")
}

func TestAppend_OrderAndTimestamps(t *testing.T) {
	doc := Skeleton()
	doc.AppendDirective("first directive")
	doc.AppendDirective("second\ndirective")
	doc.AppendReport("done")

	lines := strings.Split(doc.Directives(), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first directive")
	assert.Contains(t, lines[1], "second directive", "newlines collapse to one line")
	assert.Regexp(t, `^- \[\d{4}-\d{2}-\d{2}T`, lines[0])

	rendered := doc.Render()
	assert.Less(t, strings.Index(rendered, "## Directives"), strings.Index(rendered, "## Reports"),
		"directives section must come first")
}

func TestLoadDir_MissingFileYieldsSkeleton(t *testing.T) {
	doc, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, doc.Directives())
	assert.Contains(t, doc.Render(), "## Directives")
}

// setupTestClones seeds a remote whose main carries a COMMS skeleton and
// returns two independent clones of it.
func setupTestClones(t *testing.T) (agentDir, operatorDir string) {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	remote := filepath.Join(base, "remote.git")
	require.NoError(t, gitutil.InitBare(ctx, remote))

	seed := filepath.Join(base, "seed")
	require.NoError(t, gitutil.InitRepo(ctx, seed, "main"))
	require.NoError(t, gitutil.EnsureIdentity(ctx, seed, "tester", "tester@example.com"))
	require.NoError(t, Skeleton().WriteDir(seed))
	require.NoError(t, gitutil.Add(ctx, seed))
	require.NoError(t, gitutil.Commit(ctx, seed, "seed comms"))
	require.NoError(t, gitutil.Push(ctx, seed, remote, "main"))
	require.NoError(t, gitutil.Push(ctx, seed, remote, "main:feature-x"))

	agentDir = filepath.Join(base, "agent")
	require.NoError(t, gitutil.Clone(ctx, remote, "feature-x", agentDir))
	require.NoError(t, gitutil.EnsureIdentity(ctx, agentDir, "agent", "agent@example.com"))

	operatorDir = filepath.Join(base, "operator")
	require.NoError(t, gitutil.Clone(ctx, remote, "main", operatorDir))
	require.NoError(t, gitutil.EnsureIdentity(ctx, operatorDir, "op", "op@example.com"))
	return agentDir, operatorDir
}

func TestPublishDirective_VisibleToAgentViaRemote(t *testing.T) {
	ctx := context.Background()
	agentDir, operatorDir := setupTestClones(t)

	require.NoError(t, PublishDirective(ctx, operatorDir, "focus on latency"))

	// agent sits on feature-x but reads directives from origin/main
	doc, err := ShowRemote(ctx, agentDir, "main")
	require.NoError(t, err)
	assert.Contains(t, doc.Directives(), "focus on latency")
	assert.Empty(t, doc.Reports())
}

func TestPublishReport_CommitsOnCurrentBranch(t *testing.T) {
	ctx := context.Background()
	agentDir, operatorDir := setupTestClones(t)

	require.NoError(t, PublishReport(ctx, agentDir, "validation passed"))

	doc, err := ShowRemote(ctx, operatorDir, "feature-x")
	require.NoError(t, err)
	assert.Contains(t, doc.Reports(), "validation passed")

	// main is untouched by a feature-branch report
	doc, err = ShowRemote(ctx, operatorDir, "main")
	require.NoError(t, err)
	assert.Empty(t, doc.Reports())
}

func TestWriteDir_ReadableBack(t *testing.T) {
	dir := t.TempDir()
	doc := Skeleton()
	doc.AppendReport("hello")
	require.NoError(t, doc.WriteDir(dir))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	loaded, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Contains(t, loaded.Reports(), "hello")
}
