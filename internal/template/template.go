// Package template implements the Markdown template renderer:
// `{{variable}}` substitution against issue metadata, sibling
// stage-output file contents, and configured command stdout — deliberately
// not Turing-complete, since templates are briefings, not programs.
// Referenced-command injection (only running a command when its name is
// named in the rendered text) is grounded on issues.py's
// load_skill/load_overview.
package template

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agenttree/agenttree/internal/hooks"
)

const commandTimeout = 5 * time.Second

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Renderer resolves templates from a directory on disk and substitutes
// `{{name}}` tokens against issue variables and configured commands.
type Renderer struct {
	TemplatesDir string
	Commands map[string]any
}

// New returns a Renderer reading templates from templatesDir and allowed
// to run commands named in the commands map.
func New(templatesDir string, commands map[string]any) *Renderer {
	return &Renderer{TemplatesDir: templatesDir, Commands: commands}
}

// RenderFile renders TemplatesDir/<name>.md against ec and writes the
// result to dest. It implements hooks.Renderer.
func (r *Renderer) RenderFile(ctx context.Context, name, dest string, ec hooks.ExecContext) error {
	raw, err := os.ReadFile(filepath.Join(r.TemplatesDir, name+".md"))
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	rendered := r.Render(ctx, string(raw), r.baseVars(ec))
	return os.WriteFile(dest, []byte(rendered), 0o644)
}

// Render substitutes every `{{name}}` token in text: a name present in
// vars wins; otherwise, if name matches a configured command, the command
// runs in vars["cwd"] and its trimmed stdout substitutes (an empty string
// if the command fails); otherwise the token is replaced with an empty
// string. A panic during rendering returns text unchanged.
func (r *Renderer) Render(ctx context.Context, text string, vars map[string]string) (out string) {
	defer func() {
		if recover() != nil {
			out = text
		}
	}()

	out = tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if cmd, ok := r.Commands[name]; ok {
			output, err := runCommand(ctx, cmd, vars["cwd"])
			if err != nil {
				return ""
			}
			return output
		}
		return ""
	})
	return out
}

// baseVars builds the substitution map from issue metadata and sibling
// stage-output Markdown files in ec.IssueDir (e.g. "problem.md" becomes
// the "problem_md" variable).
func (r *Renderer) baseVars(ec hooks.ExecContext) map[string]string {
	vars := map[string]string{
		"issue_id": ec.IssueID,
		"worktree_dir": ec.WorktreeDir,
		"branch": ec.Branch,
		"cwd": ec.WorktreeDir,
	}
	if vars["cwd"] == "" {
		vars["cwd"] = ec.IssueDir
	}
	if ec.PRNumber != 0 {
		vars["pr_number"] = fmt.Sprintf("%d", ec.PRNumber)
	}

	entries, err := os.ReadDir(ec.IssueDir)
	if err != nil {
		return vars
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ec.IssueDir, e.Name()))
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".md") + "_md"
		key = strings.ReplaceAll(key, "-", "_")
		vars[key] = string(data)
	}
	return vars
}

// runCommand executes a configured commands.<name> entry (a single string
// or an argv list) with a 5-second timeout, returning trimmed stdout.
func runCommand(ctx context.Context, cmd any, cwd string) (string, error) {
	argv, err := commandArgv(cmd)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	c := exec.CommandContext(cctx, argv[0], argv[1:]...)
	c.Dir = cwd
	var stdout bytes.Buffer
	c.Stdout = &stdout
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("run command: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func commandArgv(cmd any) ([]string, error) {
	switch v := cmd.(type) {
	case string:
		return []string{"sh", "-c", v}, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("empty command list")
		}
		return v, nil
	case []any:
		argv := make([]string, 0, len(v))
		for _, part := range v {
			s, ok := part.(string)
			if !ok {
				return nil, fmt.Errorf("command list entries must be strings")
			}
			argv = append(argv, s)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty command list")
		}
		return argv, nil
	default:
		return nil, fmt.Errorf("unsupported command value type %T", cmd)
	}
}
