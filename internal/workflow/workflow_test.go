package workflow

import (
	"context"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/hooks"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/session"
)

func parseHooks(t *testing.T, yml string) []hooks.Hook {
	t.Helper()
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(yml), &node); err != nil {
		t.Fatalf("unmarshal hook yaml: %v", err)
	}
	list, err := hooks.DecodeList(node.Content[0])
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	return list
}

func newTestStore(t *testing.T) *issuestore.Store {
	return issuestore.New(t.TempDir())
}

func baseConfig() *config.Config {
	return &config.Config{
		Project: "demo",
		Flows: map[string][]string{
			"main": {"plan", "implement", "accepted"},
		},
		Stages: map[string]config.StageDef{
			"plan":      {Role: "planner"},
			"implement": {Role: "developer"},
			"accepted":  {Role: "developer"},
		},
	}
}

func createIssue(t *testing.T, store *issuestore.Store, stage string) *issuestore.Issue {
	t.Helper()
	issue, err := store.Create(issuestore.CreateParams{Title: "demo issue", Priority: issuestore.PriorityMedium, Flow: "main", Stage: stage})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return issue
}

func TestAdvance_NextInFlowAppendsHistory(t *testing.T) {
	store := newTestStore(t)
	issue := createIssue(t, store, "plan")
	e := &Engine{Config: baseConfig(), Issues: store, Sessions: session.New(t.TempDir())}

	updated, reorient, err := e.Advance(context.Background(), "1", "", TriggerCLI)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if reorient != nil {
		t.Fatalf("unexpected reorientation: %+v", reorient)
	}
	if updated.Stage != "implement" {
		t.Errorf("Stage = %q, want implement", updated.Stage)
	}
	if len(updated.History) != 1 || updated.History[0].Type != "transition" {
		t.Errorf("History = %+v", updated.History)
	}
	_ = issue
}

func TestAdvance_ExplicitTargetMustBeInFlow(t *testing.T) {
	store := newTestStore(t)
	createIssue(t, store, "plan")
	e := &Engine{Config: baseConfig(), Issues: store, Sessions: session.New(t.TempDir())}

	if _, _, err := e.Advance(context.Background(), "1", "nonexistent", TriggerCLI); err == nil {
		t.Error("expected error advancing to a stage outside the flow")
	}
}

func TestAdvance_ExitHookRedirectChangesTarget(t *testing.T) {
	store := newTestStore(t)
	createIssue(t, store, "plan")
	cfg := baseConfig()
	stage := cfg.Stages["plan"]
	stage.PreCompletion = parseHooks(t, "- type: redirect\n  to: accepted\n  reason: needs rework\n")
	cfg.Stages["plan"] = stage
	e := &Engine{Config: cfg, Issues: store, Sessions: session.New(t.TempDir())}

	updated, _, err := e.Advance(context.Background(), "1", "", TriggerCLI)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if updated.Stage != "accepted" {
		t.Errorf("Stage = %q, want accepted", updated.Stage)
	}
}

func TestAdvance_RestartTriggersReorientation(t *testing.T) {
	store := newTestStore(t)
	createIssue(t, store, "plan")
	sessions := session.New(t.TempDir())
	if _, err := sessions.Create("001"); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	if _, err := sessions.IsRestart("001", "implement"); err != nil {
		t.Fatalf("IsRestart: %v", err)
	}
	e := &Engine{Config: baseConfig(), Issues: store, Sessions: sessions}

	updated, reorient, err := e.Advance(context.Background(), "1", "", TriggerHook)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if reorient == nil {
		t.Fatal("expected a reorientation, got none")
	}
	if reorient.Stage != "plan" {
		t.Errorf("Reorientation.Stage = %q, want plan", reorient.Stage)
	}
	if updated.Stage != "plan" {
		t.Errorf("issue stage should be unchanged on reorientation, got %q", updated.Stage)
	}
}

type recordingNotifier struct {
	waitedRole string
}

func (n *recordingNotifier) NotifyWaitingFor(ctx context.Context, issueID, role string) error {
	n.waitedRole = role
	return nil
}
func (n *recordingNotifier) SaveHistory(ctx context.Context, sessionName, destPath string) error {
	return nil
}

type recordingStarter struct {
	startedRole string
}

func (s *recordingStarter) EnsureRoleStarted(ctx context.Context, issueID, role string) error {
	s.startedRole = role
	return nil
}

func TestAdvance_RoleChangeNotifiesAndStarts(t *testing.T) {
	store := newTestStore(t)
	createIssue(t, store, "plan")
	notifier := &recordingNotifier{}
	starter := &recordingStarter{}
	e := &Engine{Config: baseConfig(), Issues: store, Sessions: session.New(t.TempDir()), Notifier: notifier, Starter: starter}

	if _, _, err := e.Advance(context.Background(), "1", "", TriggerCLI); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if notifier.waitedRole != "developer" {
		t.Errorf("waitedRole = %q, want developer", notifier.waitedRole)
	}
	if starter.startedRole != "developer" {
		t.Errorf("startedRole = %q, want developer", starter.startedRole)
	}
}

func TestAdvance_SameRoleDoesNotNotify(t *testing.T) {
	store := newTestStore(t)
	createIssue(t, store, "implement")
	notifier := &recordingNotifier{}
	e := &Engine{Config: baseConfig(), Issues: store, Sessions: session.New(t.TempDir()), Notifier: notifier}

	if _, _, err := e.Advance(context.Background(), "1", "", TriggerCLI); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if notifier.waitedRole != "" {
		t.Errorf("did not expect a notification, got role %q", notifier.waitedRole)
	}
}

func TestReassess_JumpsToPrecedingAssessSubstage(t *testing.T) {
	store := newTestStore(t)
	cfg := &config.Config{
		Flows: map[string][]string{
			"main": {"plan.assess", "plan.revise", "implement"},
		},
		Stages: map[string]config.StageDef{
			"plan":      {Role: "planner"},
			"implement": {Role: "developer"},
		},
	}
	issue, err := store.Create(issuestore.CreateParams{Title: "demo", Priority: issuestore.PriorityMedium, Flow: "main", Stage: "plan.revise"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := &Engine{Config: cfg, Issues: store, Sessions: session.New(t.TempDir())}

	updated, err := e.Reassess(context.Background(), issuestore.PaddedID(issue.ID))
	if err != nil {
		t.Fatalf("Reassess: %v", err)
	}
	if updated.Stage != "plan.assess" {
		t.Errorf("Stage = %q, want plan.assess", updated.Stage)
	}
}
