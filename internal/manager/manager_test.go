package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/workflow"
)

func testConfig(stallMin int) *config.Config {
	return &config.Config{
		Project: "demo",
		Flows: map[string][]string{
			"main": {"implement", "implement.review", "accepted"},
		},
		Stages: map[string]config.StageDef{
			"implement": {Role: "developer"},
		},
		Manager: config.ManagerConfig{StallThresholdMin: stallMin},
	}
}

func newIssue(t *testing.T, store *issuestore.Store, stage, flow string) *issuestore.Issue {
	t.Helper()
	issue, err := store.Create(issuestore.CreateParams{Title: "demo", Priority: issuestore.PriorityMedium, Flow: flow, Stage: stage})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return issue
}

func TestScan_FlagsStalledIssue(t *testing.T) {
	store := issuestore.New(t.TempDir())
	issue := newIssue(t, store, "implement", "main")
	updated, err := store.UpdateMetadata(issuestore.PaddedID(issue.ID), func(i *issuestore.Issue) {
		i.Created = time.Now().Add(-2 * time.Hour)
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	_ = updated

	e := &Engine{Config: testConfig(60), Issues: store}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Stalled) != 1 || report.Stalled[0] != issuestore.PaddedID(issue.ID) {
		t.Errorf("Stalled = %v, want [%s]", report.Stalled, issuestore.PaddedID(issue.ID))
	}
}

func TestScan_DoesNotFlagFreshIssue(t *testing.T) {
	store := issuestore.New(t.TempDir())
	newIssue(t, store, "implement", "main")

	e := &Engine{Config: testConfig(60), Issues: store}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Stalled) != 0 {
		t.Errorf("Stalled = %v, want none", report.Stalled)
	}
}

func TestScan_ZeroThresholdDisablesStallDetection(t *testing.T) {
	store := issuestore.New(t.TempDir())
	issue := newIssue(t, store, "implement", "main")
	if _, err := store.UpdateMetadata(issuestore.PaddedID(issue.ID), func(i *issuestore.Issue) {
		i.Created = time.Now().Add(-100 * time.Hour)
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	e := &Engine{Config: testConfig(0), Issues: store}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Stalled) != 0 {
		t.Errorf("Stalled = %v, want none with threshold disabled", report.Stalled)
	}
}

type fakeSessions struct {
	exists map[string]bool
}

func (f *fakeSessions) SessionExists(ctx context.Context, name string) (bool, error) {
	return f.exists[name], nil
}

type fakeStarter struct {
	started []string
	err     error
}

func (f *fakeStarter) EnsureRoleStarted(ctx context.Context, issueID, role string) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, issueID+":"+role)
	return nil
}

func TestScan_StartsCustomRoleAgentWhenSessionMissing(t *testing.T) {
	cfg := testConfig(0)
	cfg.Stages["implement"] = config.StageDef{Role: "reviewer"}
	store := issuestore.New(t.TempDir())
	issue := newIssue(t, store, "implement", "main")

	starter := &fakeStarter{}
	e := &Engine{Config: cfg, Issues: store, Sessions: &fakeSessions{exists: map[string]bool{}}, Starter: starter}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	padded := issuestore.PaddedID(issue.ID)
	if len(report.Started) != 1 || report.Started[0] != padded {
		t.Errorf("Started = %v, want [%s]", report.Started, padded)
	}
	if len(starter.started) != 1 || starter.started[0] != padded+":reviewer" {
		t.Errorf("starter.started = %v", starter.started)
	}
}

func TestScan_SkipsDeveloperAndManagerRoles(t *testing.T) {
	cfg := testConfig(0)
	store := issuestore.New(t.TempDir())
	newIssue(t, store, "implement", "main") // role "developer" per testConfig

	starter := &fakeStarter{}
	e := &Engine{Config: cfg, Issues: store, Sessions: &fakeSessions{exists: map[string]bool{}}, Starter: starter}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Started) != 0 {
		t.Errorf("Started = %v, want none for a developer-role stage", report.Started)
	}
}

func TestScan_DoesNotRestartAgentWithLiveSession(t *testing.T) {
	cfg := testConfig(0)
	cfg.Stages["implement"] = config.StageDef{Role: "reviewer"}
	store := issuestore.New(t.TempDir())
	issue := newIssue(t, store, "implement", "main")
	name := "demo-reviewer-" + issuestore.PaddedID(issue.ID)

	starter := &fakeStarter{}
	e := &Engine{Config: cfg, Issues: store, Sessions: &fakeSessions{exists: map[string]bool{name: true}}, Starter: starter}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Started) != 0 {
		t.Errorf("Started = %v, want none when the session already exists", report.Started)
	}
}

type fakePRChecker struct {
	merged map[int]bool
}

func (f *fakePRChecker) IsMerged(ctx context.Context, number int) (bool, error) {
	return f.merged[number], nil
}

type fakeAdvancer struct {
	calls []string
	err   error
}

func (f *fakeAdvancer) Advance(ctx context.Context, issueID, target string, trigger workflow.Trigger) (*issuestore.Issue, *workflow.Reorientation, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.calls = append(f.calls, issueID+"->"+target+"("+string(trigger)+")")
	return &issuestore.Issue{}, nil, nil
}

func TestScan_AdvancesOnExternallyMergedPR(t *testing.T) {
	cfg := testConfig(0)
	store := issuestore.New(t.TempDir())
	issue := newIssue(t, store, "accepted", "main") // last stage in flow: NextInFlow has no ok
	number := 42
	if _, err := store.UpdateMetadata(issuestore.PaddedID(issue.ID), func(i *issuestore.Issue) {
		i.PRNumber = &number
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	advancer := &fakeAdvancer{}
	e := &Engine{Config: cfg, Issues: store, PR: &fakePRChecker{merged: map[int]bool{42: true}}, Workflow: advancer}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	padded := issuestore.PaddedID(issue.ID)
	if len(report.Advanced) != 1 || report.Advanced[0] != padded {
		t.Errorf("Advanced = %v, want [%s]", report.Advanced, padded)
	}
	want := padded + "->accepted(manager)"
	if len(advancer.calls) != 1 || advancer.calls[0] != want {
		t.Errorf("advancer.calls = %v, want [%s]", advancer.calls, want)
	}
}

func TestScan_DoesNotAdvanceWhenPRStillOpen(t *testing.T) {
	cfg := testConfig(0)
	store := issuestore.New(t.TempDir())
	issue := newIssue(t, store, "accepted", "main")
	number := 7
	if _, err := store.UpdateMetadata(issuestore.PaddedID(issue.ID), func(i *issuestore.Issue) {
		i.PRNumber = &number
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	advancer := &fakeAdvancer{}
	e := &Engine{Config: cfg, Issues: store, PR: &fakePRChecker{merged: map[int]bool{}}, Workflow: advancer}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Advanced) != 0 || len(advancer.calls) != 0 {
		t.Errorf("expected no advance while PR is open, got report=%v calls=%v", report.Advanced, advancer.calls)
	}
}

func TestScan_IgnoresIssueWithoutPR(t *testing.T) {
	cfg := testConfig(0)
	store := issuestore.New(t.TempDir())
	newIssue(t, store, "accepted", "main")

	advancer := &fakeAdvancer{}
	e := &Engine{Config: cfg, Issues: store, PR: &fakePRChecker{merged: map[int]bool{}}, Workflow: advancer}
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Advanced) != 0 {
		t.Errorf("Advanced = %v, want none for an issue with no PR", report.Advanced)
	}
}

func TestScan_RecordsPerIssueErrorsWithoutAbortingScan(t *testing.T) {
	cfg := testConfig(0)
	store := issuestore.New(t.TempDir())
	bad := newIssue(t, store, "accepted", "main")
	number := 1
	if _, err := store.UpdateMetadata(issuestore.PaddedID(bad.ID), func(i *issuestore.Issue) {
		i.PRNumber = &number
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	good := newIssue(t, store, "accepted", "main")
	number2 := 2
	if _, err := store.UpdateMetadata(issuestore.PaddedID(good.ID), func(i *issuestore.Issue) {
		i.PRNumber = &number2
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	advancer := &fakeAdvancer{}
	calls := 0
	e := &Engine{Config: cfg, Issues: store, Workflow: advancer, PR: &erroringOnceChecker{after: 1, err: errors.New("boom"), merged: true}}
	_ = calls
	report, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Errorf("Errors = %v, want exactly one", report.Errors)
	}
	if len(report.Advanced) != 1 {
		t.Errorf("Advanced = %v, want the non-failing issue to still advance", report.Advanced)
	}
}

// erroringOnceChecker fails IsMerged on its first N calls, then succeeds,
// to exercise the per-issue error isolation in Scan.
type erroringOnceChecker struct {
	after  int
	called int
	err    error
	merged bool
}

func (c *erroringOnceChecker) IsMerged(ctx context.Context, number int) (bool, error) {
	c.called++
	if c.called <= c.after {
		return false, c.err
	}
	return c.merged, nil
}
