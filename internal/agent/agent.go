// Package agent implements the canonical agent lifecycle: start_agent's
// preflight -> worktree-ensure -> session-create -> multiplexer-start ->
// prompt-wait -> UUID-poll procedure, and the single
// canonical stop path every other caller (CLI, web, hooks, shutdown) must
// go through. Like internal/manager, this is a composition package: the
// one place allowed to wire internal/worktree, internal/container,
// internal/tmux, internal/statefile, internal/session, and
// internal/ghdriver together; no other internal package imports
// internal/agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenttree/agenttree/internal/apperrors"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/container"
	"github.com/agenttree/agenttree/internal/depgraph"
	"github.com/agenttree/agenttree/internal/ghdriver"
	"github.com/agenttree/agenttree/internal/hooks"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/naming"
	"github.com/agenttree/agenttree/internal/session"
	"github.com/agenttree/agenttree/internal/worktree"
)

// DefaultPromptChar is the tool-prompt glyph start_agent polls for,
// overridable.
const DefaultPromptChar = "❯"

const (
	defaultPromptTimeout = 60 * time.Second
	promptPollInterval   = 500 * time.Millisecond
	uuidPollTimeout      = 5 * time.Second
	uuidPollInterval     = 250 * time.Millisecond
)

// Driver narrows tmux.Driver to exactly what the agent lifecycle needs.
// ListSessions is deliberately not part of this interface — it returns a
// concrete []tmux.SessionInfo, so StopAllForIssue is instead handed a
// ListSessionNames adapter closure by the caller that wires tmux in.
type Driver interface {
	CreateSession(ctx context.Context, name, cwd string, startCommand []string) error
	KillSession(ctx context.Context, name string) error
	SessionExists(ctx context.Context, name string) (bool, error)
	WaitForPrompt(ctx context.Context, name, promptChar string, timeout, poll time.Duration) (bool, error)
}

// StateStore is the statefile.File surface this package needs.
type StateStore interface {
	RegisterContainer(issueID, role, containerID string) error
	ContainerID(issueID, role string) (string, bool, error)
	Unregister(issueID, role string) error
}

// StartOptions configures start_agent.
type StartOptions struct {
	Role          string
	SkipPreflight bool
	Force         bool
	Tool          string
	Dangerous     bool
	Quiet         bool
}

// Engine drives agent start/stop against one project's issue store,
// session store, state file, and multiplexer.
type Engine struct {
	Config   *config.Config
	Issues   *issuestore.Store
	Sessions *session.Store
	State    StateStore
	Tmux     Driver

	// ListSessionNames resolves the live multiplexer session names used
	// by StopAllForIssue to discover every role running for an issue;
	// tmux.Driver.ListSessions doesn't satisfy this directly (it returns
	// a richer SessionInfo), so callers pass a small adapter closure.
	ListSessionNames func(ctx context.Context) ([]string, error)

	Project          string
	Repo             string
	WorktreesDir     string
	BasePort         int
	CredentialDir    string
	GitCredentialDir string
	PromptChar       string
	PromptTimeout    time.Duration

	// Overridable for tests; production code leaves these as the real
	// implementations.
	LookPath       func(string) (string, error)
	DetectRuntime  func() (string, bool)
	CheckRemote    func(ctx context.Context, repo string) (bool, error)
	EnsureGHCLI    func(ctx context.Context) error
	InContainer    func() bool
	StopContainer  func(runtime, containerID string) error
	ListByMount    func(runtime, worktreePath string) ([]string, error)
	CreateWorktree func(ctx context.Context, repo, path, branch string) error
	UpdateWorktree func(ctx context.Context, path string) (bool, error)
	OAuthToken     func() string
}

func (e *Engine) lookPath() func(string) (string, error) {
	if e.LookPath != nil {
		return e.LookPath
	}
	return exec.LookPath
}

func (e *Engine) detectRuntime() (string, bool) {
	if e.DetectRuntime != nil {
		return e.DetectRuntime()
	}
	return container.DetectRuntime()
}

func (e *Engine) checkRemote(ctx context.Context, repo string) (bool, error) {
	if e.CheckRemote != nil {
		return e.CheckRemote(ctx, repo)
	}
	cmd := exec.CommandContext(ctx, "git", "remote")
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git remote: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (e *Engine) ensureGHCLI(ctx context.Context) error {
	if e.EnsureGHCLI != nil {
		return e.EnsureGHCLI(ctx)
	}
	return ghdriver.EnsureGHCLI(ctx)
}

func (e *Engine) inContainer() bool {
	if e.InContainer != nil {
		return e.InContainer()
	}
	return hooks.InContainer()
}

func (e *Engine) stopContainer(runtime, containerID string) error {
	if e.StopContainer != nil {
		return e.StopContainer(runtime, containerID)
	}
	return container.Stop(runtime, containerID)
}

func (e *Engine) listByMount(runtime, worktreePath string) ([]string, error) {
	if e.ListByMount != nil {
		return e.ListByMount(runtime, worktreePath)
	}
	return container.ListByMountSource(runtime, worktreePath)
}

func (e *Engine) createWorktree(ctx context.Context, repo, path, branch string) error {
	if e.CreateWorktree != nil {
		return e.CreateWorktree(ctx, repo, path, branch)
	}
	return worktree.Create(ctx, repo, path, branch)
}

func (e *Engine) updateWorktree(ctx context.Context, path string) (bool, error) {
	if e.UpdateWorktree != nil {
		return e.UpdateWorktree(ctx, path)
	}
	return worktree.UpdateWithMain(ctx, path)
}

func (e *Engine) oauthToken() string {
	if e.OAuthToken != nil {
		return e.OAuthToken()
	}
	return container.OAuthTokenFromEnv()
}

func (e *Engine) promptChar() string {
	if e.PromptChar != "" {
		return e.PromptChar
	}
	return DefaultPromptChar
}

func (e *Engine) promptTimeout() time.Duration {
	if e.PromptTimeout > 0 {
		return e.PromptTimeout
	}
	return defaultPromptTimeout
}

// Preflight exposes the host environment checks StartAgent runs
// internally (git on PATH, a configured remote, a container runtime, an
// authenticated gh) as their own operation, so `agenttree preflight` can
// report environment problems without trying to start anything.
func (e *Engine) Preflight(ctx context.Context) error {
	return e.preflight(ctx)
}

// preflight implements start_agent step 1: git present always; remote,
// container runtime, and an authenticated gh CLI only matter on the host
// (a container spawning its own sub-agent would fail these for no
// useful reason).
func (e *Engine) preflight(ctx context.Context) error {
	if _, err := e.lookPath()("git"); err != nil {
		return fmt.Errorf("%w: git not found on PATH", apperrors.ErrPreflight)
	}
	if e.inContainer() {
		return nil
	}
	if hasRemote, err := e.checkRemote(ctx, e.Repo); err != nil {
		return fmt.Errorf("%w: check git remote: %v", apperrors.ErrPreflight, err)
	} else if !hasRemote {
		return fmt.Errorf("%w: repository %s has no git remote configured", apperrors.ErrPreflight, e.Repo)
	}
	if _, ok := e.detectRuntime(); !ok {
		return fmt.Errorf("%w: no container runtime found; %s", apperrors.ErrPreflight, container.RecommendedAction())
	}
	if err := e.ensureGHCLI(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrPreflight, err)
	}
	return nil
}

// StartAgent implements start_agent(issue_id, role, ...).
func (e *Engine) StartAgent(ctx context.Context, issueID string, opts StartOptions) error {
	role := opts.Role
	if role == "" {
		role = "developer"
	}
	traceID := uuid.New().String()
	if !opts.Quiet {
		fmt.Fprintf(os.Stderr, "start_agent trace=%s issue=%s role=%s\n", traceID, issueID, role)
	}

	if !opts.SkipPreflight {
		if err := e.preflight(ctx); err != nil {
			return err
		}
	}

	issue, err := e.Issues.Get(issueID)
	if err != nil {
		return err
	}
	padded := issuestore.PaddedID(issue.ID)

	if issue.Stage == config.Backlog {
		names := e.Config.FlowStageNames(issue.Flow)
		if len(names) == 0 {
			return fmt.Errorf("%w: flow %s has no stages", apperrors.ErrFatal, issue.Flow)
		}
		issue, err = e.Issues.UpdateStage(padded, names[0], "transition")
		if err != nil {
			return err
		}
	}

	names := naming.For(e.Project, role, issue.ID, issue.Slug, e.BasePort)

	exists, err := e.Tmux.SessionExists(ctx, names.Container)
	if err != nil {
		return fmt.Errorf("check existing session: %w", err)
	}
	if exists {
		if !opts.Force {
			return &apperrors.AlreadyRunningError{IssueID: padded, Role: role}
		}
		if err := e.Stop(ctx, padded, role); err != nil {
			return fmt.Errorf("stop existing agent before forcing restart: %w", err)
		}
	}

	worktreeDir := filepath.Join(e.WorktreesDir, names.WorktreeDir)
	if _, err := os.Stat(worktreeDir); os.IsNotExist(err) {
		if err := e.createWorktree(ctx, e.Repo, worktreeDir, names.Branch); err != nil {
			return fmt.Errorf("create worktree: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat worktree %s: %w", worktreeDir, err)
	} else {
		if ok, err := e.updateWorktree(ctx, worktreeDir); err != nil {
			return fmt.Errorf("update worktree with main: %w", err)
		} else if !ok && !opts.Quiet {
			fmt.Fprintf(os.Stderr, "start_agent: %s has merge conflicts rebasing onto main; the agent will need to resolve them\n", worktreeDir)
		}
	}

	if _, err := e.Sessions.Create(padded); err != nil {
		return fmt.Errorf("create session record: %w", err)
	}

	runtime, ok := e.detectRuntime()
	if !ok {
		return fmt.Errorf("%w: no container runtime found; %s", apperrors.ErrPreflight, container.RecommendedAction())
	}

	tool := opts.Tool
	if tool == "" {
		tool = e.Config.ToolFor(role)
	}
	roleDef := e.Config.Roles[role]
	runOpts := container.RunOptions{
		Worktree:         worktreeDir,
		Tool:             tool,
		ContainerName:    names.Container,
		Role:             role,
		IssueID:          padded,
		Port:             names.Port,
		Image:            roleDef.Image(),
		CredentialDir:    e.CredentialDir,
		GitCredentialDir: e.GitCredentialDir,
		Dangerous:        opts.Dangerous,
		OAuthToken:       e.oauthToken(),
	}
	argv := container.BuildRunCommand(runtime, runOpts)
	startCommand := append([]string{runtime}, argv...)

	if err := e.Tmux.CreateSession(ctx, names.Container, worktreeDir, startCommand); err != nil {
		return fmt.Errorf("start multiplexer session: %w", err)
	}

	ready, err := e.Tmux.WaitForPrompt(ctx, names.Container, e.promptChar(), e.promptTimeout(), promptPollInterval)
	if err != nil {
		return fmt.Errorf("wait for prompt: %w", err)
	}
	if !ready {
		_ = e.Tmux.KillSession(ctx, names.Container)
		_ = e.stopContainer(runtime, names.Container)
		return &apperrors.AgentStartError{IssueID: padded, Role: role, Reason: fmt.Sprintf("tool prompt %q did not appear within %s", e.promptChar(), e.promptTimeout())}
	}

	if runtime == container.RuntimeContainer {
		containerID, found := e.pollForContainerID(runtime, worktreeDir)
		if found {
			if err := e.State.RegisterContainer(padded, role, containerID); err != nil {
				return fmt.Errorf("register container: %w", err)
			}
		}
	} else {
		if err := e.State.RegisterContainer(padded, role, names.Container); err != nil {
			return fmt.Errorf("register container: %w", err)
		}
	}

	return nil
}

// pollForContainerID implements start_agent step 8 for runtimes (Apple's
// container tool) that assign container UUIDs asynchronously: poll up to
// 5s for a container whose /workspace mount matches worktreeDir.
func (e *Engine) pollForContainerID(runtime, worktreeDir string) (string, bool) {
	deadline := time.Now().Add(uuidPollTimeout)
	for {
		ids, err := e.listByMount(runtime, worktreeDir)
		if err == nil && len(ids) > 0 {
			return ids[0], true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(uuidPollInterval)
	}
}

// Stop implements the canonical stop(issue_id, role) procedure — the only
// correct teardown path.
func (e *Engine) Stop(ctx context.Context, issueID, role string) error {
	padded, err := issuestore.NormalizeID(issueID)
	if err != nil {
		return fmt.Errorf("normalize issue id %q: %w", issueID, err)
	}

	serveSession := naming.ContainerName(e.Project, "serve", padded)
	if exists, err := e.Tmux.SessionExists(ctx, serveSession); err == nil && exists {
		_ = e.Tmux.KillSession(ctx, serveSession)
	}

	sessionName := naming.ContainerName(e.Project, role, padded)
	if err := e.Tmux.KillSession(ctx, sessionName); err != nil {
		return fmt.Errorf("kill agent session: %w", err)
	}

	runtime, ok := e.detectRuntime()
	if ok {
		containerID, found, err := e.State.ContainerID(padded, role)
		if err != nil {
			return fmt.Errorf("look up container id: %w", err)
		}
		if !found {
			containerID = sessionName
		}
		if err := e.stopContainer(runtime, containerID); err != nil {
			return fmt.Errorf("stop container: %w", err)
		}
	}

	if err := e.State.Unregister(padded, role); err != nil {
		return fmt.Errorf("unregister state: %w", err)
	}
	return nil
}

// StopAllForIssue implements stop_all_agents_for_issue(issue_id): loop
// the canonical stop over every role whose multiplexer session matches
// this issue's ID suffix.
func (e *Engine) StopAllForIssue(ctx context.Context, issueID string) error {
	padded, err := issuestore.NormalizeID(issueID)
	if err != nil {
		return fmt.Errorf("normalize issue id %q: %w", issueID, err)
	}
	if e.ListSessionNames == nil {
		return nil
	}
	names, err := e.ListSessionNames(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var errs []error
	for _, name := range names {
		role, ok := roleFromSessionName(name, e.Project, padded)
		if !ok || role == "serve" {
			continue
		}
		if err := e.Stop(ctx, padded, role); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureRoleStarted implements workflow.Starter and manager.RoleStarter:
// start an agent for role if one isn't already running. An already-
// running agent is success, not an error — this call must be idempotent.
func (e *Engine) EnsureRoleStarted(ctx context.Context, issueID, role string) error {
	err := e.StartAgent(ctx, issueID, StartOptions{Role: role})
	if err != nil && errors.Is(err, apperrors.ErrAlreadyRunning) {
		return nil
	}
	return err
}

// CleanupAgent implements hooks.AgentController.
func (e *Engine) CleanupAgent(ctx context.Context, issueID string) error {
	return e.StopAllForIssue(ctx, issueID)
}

// StartBlockedIssues implements hooks.AgentController: start a developer
// agent for every backlog issue whose dependencies are now met.
func (e *Engine) StartBlockedIssues(ctx context.Context) error {
	issues, err := e.Issues.List("", "")
	if err != nil {
		return err
	}
	var errs []error
	for _, issue := range depgraph.ReadyIssues(issues) {
		if issue.Stage != config.Backlog {
			continue
		}
		if err := e.EnsureRoleStarted(ctx, issuestore.PaddedID(issue.ID), "developer"); err != nil {
			errs = append(errs, fmt.Errorf("issue %s: %w", issuestore.PaddedID(issue.ID), err))
		}
	}
	return errors.Join(errs...)
}

// roleFromSessionName recovers the role segment from a
// "<project>-<role>-<paddedID>" session name.
func roleFromSessionName(name, project, paddedID string) (string, bool) {
	prefix := project + "-"
	suffix := "-" + paddedID
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	role := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if role == "" {
		return "", false
	}
	return role, true
}
