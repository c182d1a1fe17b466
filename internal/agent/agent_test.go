package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenttree/agenttree/internal/apperrors"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/session"
)

type fakeDriver struct {
	sessions map[string]bool
	created  []string
	killed   []string
	promptOK bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{sessions: map[string]bool{}, promptOK: true}
}

func (f *fakeDriver) CreateSession(ctx context.Context, name, cwd string, startCommand []string) error {
	f.sessions[name] = true
	f.created = append(f.created, name)
	return nil
}

func (f *fakeDriver) KillSession(ctx context.Context, name string) error {
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeDriver) SessionExists(ctx context.Context, name string) (bool, error) {
	return f.sessions[name], nil
}

func (f *fakeDriver) WaitForPrompt(ctx context.Context, name, promptChar string, timeout, poll time.Duration) (bool, error) {
	return f.promptOK, nil
}

type fakeState struct {
	registered map[string]string
}

func newFakeState() *fakeState { return &fakeState{registered: map[string]string{}} }

func (f *fakeState) RegisterContainer(issueID, role, containerID string) error {
	f.registered[issueID+":"+role] = containerID
	return nil
}

func (f *fakeState) ContainerID(issueID, role string) (string, bool, error) {
	id, ok := f.registered[issueID+":"+role]
	return id, ok, nil
}

func (f *fakeState) Unregister(issueID, role string) error {
	delete(f.registered, issueID+":"+role)
	return nil
}

func testEngine(t *testing.T) (*Engine, *issuestore.Store, *fakeDriver, *fakeState) {
	t.Helper()
	repo := t.TempDir()
	store := issuestore.New(t.TempDir())
	driver := newFakeDriver()
	state := newFakeState()
	sessions := session.New(t.TempDir())

	e := &Engine{
		Config: &config.Config{
			Project: "demo",
			Flows:   map[string][]string{"main": {"implement", "implement.review", "accepted"}},
			Stages:  map[string]config.StageDef{"implement": {Role: "developer"}},
		},
		Issues:           store,
		Sessions:         sessions,
		State:            state,
		Tmux:             driver,
		Project:          "demo",
		Repo:             repo,
		WorktreesDir:     t.TempDir(),
		BasePort:         9000,
		LookPath:         func(string) (string, error) { return "/usr/bin/git", nil },
		DetectRuntime:    func() (string, bool) { return "docker", true },
		InContainer:      func() bool { return true }, // skip host-only preflight by default
		CreateWorktree:   func(ctx context.Context, repo, path, branch string) error { return os.MkdirAll(path, 0o755) },
		UpdateWorktree:   func(ctx context.Context, path string) (bool, error) { return true, nil },
		StopContainer:    func(runtime, containerID string) error { return nil },
		ListByMount:      func(runtime, worktreePath string) ([]string, error) { return []string{"uuid-1"}, nil },
		OAuthToken:       func() string { return "test-token" },
	}
	return e, store, driver, state
}

func newIssue(t *testing.T, store *issuestore.Store, stage string) *issuestore.Issue {
	t.Helper()
	issue, err := store.Create(issuestore.CreateParams{Title: "demo issue", Priority: issuestore.PriorityMedium, Flow: "main", Stage: stage})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return issue
}

func TestStartAgent_HappyPath(t *testing.T) {
	e, store, driver, state := testEngine(t)
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)

	if err := e.StartAgent(context.Background(), padded, StartOptions{}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	sessionName := "demo-developer-" + padded
	if !driver.sessions[sessionName] {
		t.Errorf("expected session %s to be created", sessionName)
	}
	if id, ok, _ := state.ContainerID(padded, "developer"); !ok || id != sessionName {
		t.Errorf("ContainerID = %q, %v; want %q, true", id, ok, sessionName)
	}
	worktreeDir := filepath.Join(e.WorktreesDir, "issue-"+padded+"-demo-issue")
	if _, err := os.Stat(worktreeDir); err != nil {
		t.Errorf("expected worktree dir %s to exist: %v", worktreeDir, err)
	}
}

func TestStartAgent_AdvancesBacklogToFirstFlowStage(t *testing.T) {
	e, store, _, _ := testEngine(t)
	issue := newIssue(t, store, config.Backlog)
	padded := issuestore.PaddedID(issue.ID)

	if err := e.StartAgent(context.Background(), padded, StartOptions{}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	updated, err := store.Get(padded)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Stage != "implement" {
		t.Errorf("Stage = %q, want %q", updated.Stage, "implement")
	}
}

func TestStartAgent_AlreadyRunningFailsWithoutForce(t *testing.T) {
	e, store, driver, _ := testEngine(t)
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)
	driver.sessions["demo-developer-"+padded] = true

	err := e.StartAgent(context.Background(), padded, StartOptions{})
	if !errors.Is(err, apperrors.ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartAgent_ForceStopsExistingFirst(t *testing.T) {
	e, store, driver, state := testEngine(t)
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)
	sessionName := "demo-developer-" + padded
	driver.sessions[sessionName] = true
	state.registered[padded+":developer"] = "old-container"

	if err := e.StartAgent(context.Background(), padded, StartOptions{Force: true}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if !driver.sessions[sessionName] {
		t.Error("expected a fresh session to exist after the forced restart")
	}
}

func TestStartAgent_PromptTimeoutCleansUp(t *testing.T) {
	e, store, driver, state := testEngine(t)
	driver.promptOK = false
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)

	err := e.StartAgent(context.Background(), padded, StartOptions{})
	var startErr *apperrors.AgentStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("err = %v, want *apperrors.AgentStartError", err)
	}
	sessionName := "demo-developer-" + padded
	if driver.sessions[sessionName] {
		t.Error("expected the session to be killed after a prompt timeout")
	}
	if _, ok, _ := state.ContainerID(padded, "developer"); ok {
		t.Error("expected no container registered after a prompt timeout")
	}
}

func TestStartAgent_PreflightFailsWithoutGit(t *testing.T) {
	e, store, _, _ := testEngine(t)
	e.LookPath = func(string) (string, error) { return "", errors.New("not found") }
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)

	err := e.StartAgent(context.Background(), padded, StartOptions{})
	if !errors.Is(err, apperrors.ErrPreflight) {
		t.Errorf("err = %v, want ErrPreflight", err)
	}
}

func TestStartAgent_HostPreflightRequiresRemote(t *testing.T) {
	e, store, _, _ := testEngine(t)
	e.InContainer = func() bool { return false }
	e.CheckRemote = func(ctx context.Context, repo string) (bool, error) { return false, nil }
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)

	err := e.StartAgent(context.Background(), padded, StartOptions{})
	if !errors.Is(err, apperrors.ErrPreflight) {
		t.Errorf("err = %v, want ErrPreflight for a repo with no remote", err)
	}
}

func TestEnsureRoleStarted_IsIdempotentWhenAlreadyRunning(t *testing.T) {
	e, store, driver, _ := testEngine(t)
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)
	driver.sessions["demo-developer-"+padded] = true

	if err := e.EnsureRoleStarted(context.Background(), padded, "developer"); err != nil {
		t.Errorf("EnsureRoleStarted: %v, want nil for an already-running agent", err)
	}
}

func TestStop_KillsSessionsAndUnregistersState(t *testing.T) {
	e, store, driver, state := testEngine(t)
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)
	sessionName := "demo-developer-" + padded
	serveSession := "demo-serve-" + padded
	driver.sessions[sessionName] = true
	driver.sessions[serveSession] = true
	state.registered[padded+":developer"] = sessionName

	if err := e.Stop(context.Background(), padded, "developer"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if driver.sessions[sessionName] || driver.sessions[serveSession] {
		t.Error("expected both the agent and serve sessions to be killed")
	}
	if _, ok, _ := state.ContainerID(padded, "developer"); ok {
		t.Error("expected state entry removed after Stop")
	}
}

func TestStopAllForIssue_StopsEveryMatchingRole(t *testing.T) {
	e, store, driver, state := testEngine(t)
	issue := newIssue(t, store, "implement")
	padded := issuestore.PaddedID(issue.ID)
	driver.sessions["demo-developer-"+padded] = true
	driver.sessions["demo-reviewer-"+padded] = true
	driver.sessions["demo-developer-999"] = true // different issue, must survive
	state.registered[padded+":developer"] = "demo-developer-" + padded
	state.registered[padded+":reviewer"] = "demo-reviewer-" + padded

	e.ListSessionNames = func(ctx context.Context) ([]string, error) {
		var names []string
		for n := range driver.sessions {
			names = append(names, n)
		}
		return names, nil
	}

	if err := e.StopAllForIssue(context.Background(), padded); err != nil {
		t.Fatalf("StopAllForIssue: %v", err)
	}
	if driver.sessions["demo-developer-"+padded] || driver.sessions["demo-reviewer-"+padded] {
		t.Error("expected both roles for this issue to be stopped")
	}
	if !driver.sessions["demo-developer-999"] {
		t.Error("expected a different issue's session to survive")
	}
}

func TestStartBlockedIssues_StartsOnlyReadyBacklogIssues(t *testing.T) {
	e, store, driver, _ := testEngine(t)
	blocked, err := store.Create(issuestore.CreateParams{Title: "blocked", Priority: issuestore.PriorityMedium, Flow: "main", Stage: config.Backlog, Dependencies: []string{"999"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ready, err := store.Create(issuestore.CreateParams{Title: "ready", Priority: issuestore.PriorityMedium, Flow: "main", Stage: config.Backlog})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := e.StartBlockedIssues(context.Background()); err != nil {
		t.Fatalf("StartBlockedIssues: %v", err)
	}

	readyPadded := issuestore.PaddedID(ready.ID)
	if !driver.sessions["demo-developer-"+readyPadded] {
		t.Error("expected the dependency-free backlog issue to get an agent")
	}
	blockedPadded := issuestore.PaddedID(blocked.ID)
	if driver.sessions["demo-developer-"+blockedPadded] {
		t.Error("expected the blocked backlog issue to not get an agent")
	}
}

func TestRoleFromSessionName(t *testing.T) {
	cases := []struct {
		name, project, padded, wantRole string
		wantOK                          bool
	}{
		{"demo-developer-001", "demo", "001", "developer", true},
		{"demo-serve-001", "demo", "001", "serve", true},
		{"other-developer-001", "demo", "001", "", false},
		{"demo-developer-002", "demo", "001", "", false},
	}
	for _, c := range cases {
		role, ok := roleFromSessionName(c.name, c.project, c.padded)
		if ok != c.wantOK || role != c.wantRole {
			t.Errorf("roleFromSessionName(%q, %q, %q) = %q, %v; want %q, %v", c.name, c.project, c.padded, role, ok, c.wantRole, c.wantOK)
		}
	}
}
