package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/hopscotch/internal/gitutil"
	"github.com/kilupskalvis/hopscotch/internal/llm"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/kilupskalvis/hopscotch/internal/workspace"
)

// The tool set is closed: exactly these five operations, dispatched by a
// switch. New capabilities arrive by deploying new agent code, not by
// registering tools at runtime.
const (
	toolReadFile  = "read_file"
	toolWriteFile = "write_file"
	toolExecute   = "execute"
	toolBootstrap = "bootstrap"
	toolRollback  = "rollback"
)

const (
	maxFileRead   = 64 * 1024
	maxToolOutput = 16 * 1024
)

// toolOutcome carries a dispatched call's result back to the loop. exit is
// set after a deploy signal was written: the process must stop so the
// watcher can take over.
type toolOutcome struct {
	result string
	exit   bool
}

func stringParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func toolset(includeDeploy bool) []llm.Tool {
	object := func(required []string, props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": required}
	}

	tools := []llm.Tool{
		{Type: "function", Function: llm.FunctionDefinition{
			Name:        toolReadFile,
			Description: "Read a file inside the workspace. The path is relative to the workspace root.",
			Parameters: object([]string{"path"}, map[string]any{
				"path": stringParam("workspace-relative file path"),
			}),
		}},
		{Type: "function", Function: llm.FunctionDefinition{
			Name:        toolWriteFile,
			Description: "Create or overwrite a file inside the workspace.",
			Parameters: object([]string{"path", "content"}, map[string]any{
				"path":    stringParam("workspace-relative file path"),
				"content": stringParam("full new file content"),
			}),
		}},
		{Type: "function", Function: llm.FunctionDefinition{
			Name:        toolExecute,
			Description: "Run a shell command in the workspace (git included). Output is truncated.",
			Parameters: object([]string{"command"}, map[string]any{
				"command": stringParam("command passed to sh -c"),
			}),
		}},
	}

	if includeDeploy {
		tools = append(tools,
			llm.Tool{Type: "function", Function: llm.FunctionDefinition{
				Name: toolBootstrap,
				Description: "Deploy: ask the watcher to relaunch the agent from the given branch. " +
					"Commit and push the branch first. The target must differ from the branch currently running.",
				Parameters: object([]string{"branch"}, map[string]any{
					"branch": stringParam("target branch name"),
				}),
			}},
			llm.Tool{Type: "function", Function: llm.FunctionDefinition{
				Name: toolRollback,
				Description: "Abandon the current line of work: ask the watcher to reset main to a known-good ref and relaunch.",
				Parameters: object([]string{"ref"}, map[string]any{
					"ref": stringParam("git ref main is reset to"),
				}),
			}},
		)
	}
	return tools
}

// dispatch executes one tool call. Tool-level failures become result text
// the model can react to; only the process-level flow (deploy signals) is
// reported through toolOutcome.exit.
func (r *Runner) dispatch(ctx context.Context, tc llm.ToolCall, allowDeploy bool) toolOutcome {
	switch tc.Function.Name {
	case toolReadFile:
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &p); err != nil {
			return toolOutcome{result: "error: bad arguments: " + err.Error()}
		}
		return toolOutcome{result: r.readFile(p.Path)}

	case toolWriteFile:
		var p struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &p); err != nil {
			return toolOutcome{result: "error: bad arguments: " + err.Error()}
		}
		return toolOutcome{result: r.writeFile(p.Path, p.Content)}

	case toolExecute:
		var p struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &p); err != nil {
			return toolOutcome{result: "error: bad arguments: " + err.Error()}
		}
		return toolOutcome{result: r.execCommand(ctx, p.Command)}

	case toolBootstrap:
		if !allowDeploy {
			return toolOutcome{result: "error: deploy tools are disabled during validation"}
		}
		var p struct {
			Branch string `json:"branch"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &p); err != nil {
			return toolOutcome{result: "error: bad arguments: " + err.Error()}
		}
		return r.requestBootstrap(ctx, p.Branch)

	case toolRollback:
		if !allowDeploy {
			return toolOutcome{result: "error: deploy tools are disabled during validation"}
		}
		var p struct {
			Ref string `json:"ref"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &p); err != nil {
			return toolOutcome{result: "error: bad arguments: " + err.Error()}
		}
		return r.requestRollback(p.Ref)

	default:
		return toolOutcome{result: fmt.Sprintf("error: unknown tool %q", tc.Function.Name)}
	}
}

// resolvePath confines tool file access to the workspace
func (r *Runner) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	full := filepath.Join(r.wsPath, p)
	if full != r.wsPath && !strings.HasPrefix(full, r.wsPath+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return full, nil
}

func (r *Runner) readFile(path string) string {
	full, err := r.resolvePath(path)
	if err != nil {
		return "error: " + err.Error()
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "error: " + err.Error()
	}
	return truncate(string(data), maxFileRead)
}

func (r *Runner) writeFile(path, content string) string {
	full, err := r.resolvePath(path)
	if err != nil {
		return "error: " + err.Error()
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "error: " + err.Error()
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path)
}

func (r *Runner) execCommand(ctx context.Context, command string) string {
	if strings.TrimSpace(command) == "" {
		return "error: empty command"
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.wsPath
	out, err := cmd.CombinedOutput()

	result := truncate(string(out), maxToolOutput)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result += "\n(error: command timed out)"
	case err != nil:
		result += fmt.Sprintf("\n(exit error: %v)", err)
	case strings.TrimSpace(result) == "":
		result = "(no output)"
	}
	return result
}

// requestBootstrap writes the bootstrap signal. The target must already be
// pushed and must not be the running branch: overwriting the code of the
// executing process is undefined behavior, so deploys always hop to a
// different branch.
func (r *Runner) requestBootstrap(ctx context.Context, branch string) toolOutcome {
	if err := workspace.ValidBranch(branch); err != nil {
		return toolOutcome{result: "error: " + err.Error()}
	}
	if branch == r.branch {
		return toolOutcome{result: fmt.Sprintf("error: refusing to bootstrap %q: it is the branch currently running; commit to a different branch and bootstrap that", branch)}
	}

	exists, err := gitutil.RemoteBranchExists(ctx, r.wsPath, branch)
	if err != nil {
		return toolOutcome{result: "error: " + err.Error()}
	}
	if !exists {
		return toolOutcome{result: fmt.Sprintf("error: branch %q does not exist on the remote; push it first", branch)}
	}

	if err := r.channel.Send(models.SignalBootstrap, branch); err != nil {
		return toolOutcome{result: "error: " + err.Error()}
	}
	r.logger.Info("bootstrap requested", "target", branch)
	return toolOutcome{result: "bootstrap signal written; the process now exits and the watcher relaunches from " + branch, exit: true}
}

func (r *Runner) requestRollback(ref string) toolOutcome {
	if strings.TrimSpace(ref) == "" {
		return toolOutcome{result: "error: empty ref"}
	}
	if err := r.channel.Send(models.SignalRollback, ref); err != nil {
		return toolOutcome{result: "error: " + err.Error()}
	}
	r.logger.Info("rollback requested", "ref", ref)
	return toolOutcome{result: "rollback signal written; the process now exits and the watcher resets main to " + ref, exit: true}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...(truncated)"
}
