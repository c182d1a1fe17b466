package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agenttree/agenttree/internal/agent"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/ghdriver"
	"github.com/agenttree/agenttree/internal/hooks"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/logging"
	"github.com/agenttree/agenttree/internal/manager"
	"github.com/agenttree/agenttree/internal/naming"
	"github.com/agenttree/agenttree/internal/rollback"
	"github.com/agenttree/agenttree/internal/session"
	"github.com/agenttree/agenttree/internal/statefile"
	"github.com/agenttree/agenttree/internal/syncloop"
	"github.com/agenttree/agenttree/internal/template"
	"github.com/agenttree/agenttree/internal/tmux"
	"github.com/agenttree/agenttree/internal/workflow"
	"github.com/agenttree/agenttree/internal/worktree"
)

// storeDirName is the sidecar repository every command operates against:
// "<repo>/_agenttree/".
const storeDirName = "_agenttree"

// app bundles every engine a command needs, wired once per invocation from
// the repo root. Every agenttree command reaches its dependencies through
// this struct instead of reconstructing them inline.
type app struct {
	RepoRoot  string
	StorePath string
	Config    *config.Config
	Issues    *issuestore.Store
	Sessions  *session.Store
	State     *statefile.File
	Log       *logging.Logger

	GH       ghdriver.Client
	Tmux     tmux.Driver
	Template *template.Renderer

	Agent    *agent.Engine
	Workflow *workflow.Engine
	Rollback *rollback.Engine
	Sync     *syncloop.Engine
	Manager  *manager.Engine
}

// tmuxNotifier adapts tmux.Driver to workflow.Notifier: tmux itself only
// knows session names, so this resolves (issueID, role) to the
// deterministic session name (internal/naming) before driving tmux.
type tmuxNotifier struct {
	tmux.Driver
	project string
}

func (n tmuxNotifier) NotifyWaitingFor(ctx context.Context, issueID, role string) error {
	padded, err := issuestore.NormalizeID(issueID)
	if err != nil {
		return err
	}
	name := naming.ContainerName(n.project, role, padded)
	msg := fmt.Sprintf("Waiting for %s to pick up issue %s.", role, padded)
	_, err = n.SendMessage(ctx, name, msg, false, nil)
	return err
}

func (n tmuxNotifier) SaveHistory(ctx context.Context, sessionName, destPath string) error {
	stage := filepath.Base(destPath)
	return n.SaveHistoryToFile(ctx, sessionName, destPath, stage)
}

// prClient adapts ghdriver.Client to hooks.PRClient and syncloop.PRCreator
// without either package importing ghdriver directly.
type prClient struct{ ghdriver.Client }

func (c prClient) EnsurePR(ctx context.Context, issue *issuestore.Issue) error {
	if issue.PRNumber != nil {
		return nil
	}
	number, url, err := c.Create(ctx, issue.Branch, issue.Title, "")
	if err != nil {
		return err
	}
	issue.PRNumber = &number
	issue.PRURL = &url
	return nil
}

// newApp discovers the repo root from cwd, loads config and every store,
// and wires the composition-layer engines (workflow, agent, rollback,
// sync, manager) together, returning live engines rather than just a
// read-only settings struct, since agenttree commands do real work rather
// than just reporting config.
func newApp(cfgFile string, verbose bool) (*app, error) {
	repoRoot, err := findRepoRoot()
	if err != nil {
		return nil, err
	}
	storePath := filepath.Join(repoRoot, storeDirName)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		RepoRoot:  repoRoot,
		StorePath: storePath,
		Config:    cfg,
		Issues:    issuestore.New(storePath),
		Sessions:  session.New(storePath),
		State:     statefile.New(filepath.Join(storePath, "state.yaml")),
		Log:       logging.New(os.Stdout, verbose),
		GH:        ghdriver.Client{},
		Tmux:      tmux.Driver{},
	}
	a.Template = template.New(filepath.Join(storePath, "templates"), cfg.Commands)

	a.Agent = &agent.Engine{
		Config:           cfg,
		Issues:           a.Issues,
		Sessions:         a.Sessions,
		State:            a.State,
		Tmux:             sessionDriver(),
		Project:          cfg.Project,
		Repo:             repoRoot,
		WorktreesDir:     resolveWorktreesDir(repoRoot, cfg.WorktreesDir),
		BasePort:         cfg.BasePort(),
		CredentialDir:    filepath.Join(os.Getenv("HOME"), ".claude"),
		GitCredentialDir: filepath.Join(os.Getenv("HOME"), ".gitconfig"),
	}
	a.Agent.ListSessionNames = func(ctx context.Context) ([]string, error) {
		infos, err := a.Tmux.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(infos))
		for i, info := range infos {
			names[i] = info.Name
		}
		return names, nil
	}

	deps := hooks.Deps{
		PR:       prClient{a.GH},
		Agents:   a.Agent,
		Template: a.Template,
		Git:      worktree.GitOps{},
	}

	a.Workflow = &workflow.Engine{
		Config:         cfg,
		Issues:         a.Issues,
		Sessions:       a.Sessions,
		Deps:           deps,
		Notifier:       tmuxNotifier{Driver: a.Tmux, project: cfg.Project},
		Starter:        a.Agent,
		CaptureHistory: cfg.SaveTmuxHistory,
	}

	a.Rollback = &rollback.Engine{
		Config:   cfg,
		Issues:   a.Issues,
		Sessions: a.Sessions,
		Agents:   a.Agent,
	}
	a.Sync = &syncloop.Engine{
		StorePath: storePath,
		Issues:    a.Issues,
		PR:        prClient{a.GH},
	}
	a.Rollback.Sync = a.Sync

	a.Manager = &manager.Engine{
		Config:   cfg,
		Issues:   a.Issues,
		Project:  cfg.Project,
		Sessions: sessionDriver(),
		Starter:  a.Agent,
		PR:       a.GH,
		Workflow: a.Workflow,
	}

	return a, nil
}

// ptyFallback is the process-lifetime PtyDriver used whenever the real
// tmux binary isn't on PATH. A single shared instance, not one per
// newApp call, so a session started by one command (e.g. "start") is
// still tracked when a later command in the same process (the manager's
// scan loop inside "server") looks it up.
var ptyFallback = &tmux.PtyDriver{}

// sessionDriver picks which concrete type satisfies the agent lifecycle's
// narrow Driver/SessionChecker interfaces: the real tmux binary when it's
// on PATH (the common case, and the only one "attach"/"send"/"output" can
// use, since those need a session a human can independently attach to),
// falling back to a pty-backed driver in environments without tmux
// installed (minimal containers, some CI images) where start/stop/stalls
// still need to work even though attach won't.
func sessionDriver() agent.Driver {
	if _, err := exec.LookPath("tmux"); err == nil {
		return tmux.Driver{}
	}
	return ptyFallback
}

// resolveWorktreesDir makes a config-relative worktrees_dir absolute
// against the repo root, the way the original resolves it relative to the
// project directory rather than the process's cwd.
func resolveWorktreesDir(repoRoot, configured string) string {
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Clean(filepath.Join(repoRoot, configured))
}

// findRepoRoot returns AGENTTREE_REPO_PATH when it is set; otherwise it
// walks up from the working directory looking for .agenttree.yaml, and
// finally falls back to the working directory itself so `init` can run in
// a fresh repo.
func findRepoRoot() (string, error) {
	if override := os.Getenv("AGENTTREE_REPO_PATH"); override != "" {
		return override, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".agenttree.yaml")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd, nil
}
