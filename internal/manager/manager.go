// Package manager implements the periodic manager-hooks scan: stall
// detection, custom-role agent spawning, and PR-merged advancement. It is
// a composition package like internal/agent: it imports internal/workflow
// directly, and only cmd/agenttree imports it.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/naming"
	"github.com/agenttree/agenttree/internal/workflow"
)

// maxConcurrentIssueScans bounds how many issues' stall/custom-role/merge
// checks run at once: these are independent network- and filesystem-bound
// checks per issue, but an unbounded fan-out would open one gh/tmux call
// per issue simultaneously on a large backlog.
const maxConcurrentIssueScans = 8

// SessionChecker reports whether a named multiplexer session is live;
// implemented by internal/tmux.Driver.
type SessionChecker interface {
	SessionExists(ctx context.Context, name string) (bool, error)
}

// RoleStarter starts an agent for a role that doesn't have one running
// yet; implemented by internal/agent.
type RoleStarter interface {
	EnsureRoleStarted(ctx context.Context, issueID, role string) error
}

// PRMergeChecker reports whether a PR has been merged outside of
// agenttree's own auto-merge path; implemented by internal/ghdriver.
type PRMergeChecker interface {
	IsMerged(ctx context.Context, number int) (bool, error)
}

// Advancer runs the transition state machine; satisfied by
// *workflow.Engine directly (its Advance signature takes a Trigger we
// fix to workflow.TriggerManager here).
type Advancer interface {
	Advance(ctx context.Context, issueID, target string, trigger workflow.Trigger) (*issuestore.Issue, *workflow.Reorientation, error)
}

// Report summarizes one scan pass. Every slice is issue IDs (padded),
// distinct from each other — an issue can appear in more than one.
type Report struct {
	Stalled []string
	Started []string
	Advanced []string
	Errors []error
}

// Engine runs the periodic scan over one issue store.
type Engine struct {
	Config *config.Config
	Issues *issuestore.Store
	Project string
	Sessions SessionChecker
	Starter RoleStarter
	PR PRMergeChecker
	Workflow Advancer
	// Now overrides time.Now for tests; nil uses it.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Scan implements the three idempotent per-issue actions from the design.
// A failure on one issue's action is recorded in Report.Errors and does
// not stop the scan over the remaining issues.
func (e *Engine) Scan(ctx context.Context) (Report, error) {
	var report Report
	issues, err := e.Issues.List("", "")
	if err != nil {
		return report, err
	}

	p := pool.NewWithResults[Report]().WithMaxGoroutines(maxConcurrentIssueScans)
	for _, issue := range issues {
		issue := issue
		p.Go(func() Report {
			return e.scanOne(ctx, issue)
		})
	}
	for _, partial := range p.Wait() {
		report.Stalled = append(report.Stalled, partial.Stalled...)
		report.Started = append(report.Started, partial.Started...)
		report.Advanced = append(report.Advanced, partial.Advanced...)
		report.Errors = append(report.Errors, partial.Errors...)
	}

	return report, nil
}

// scanOne runs the three idempotent per-issue actions against a single
// issue. Each issue's checks touch no state another issue's checks
// share, so Scan fans these out across a bounded goroutine pool and
// merges every issue's partial Report sequentially afterward.
func (e *Engine) scanOne(ctx context.Context, issue *issuestore.Issue) Report {
	var report Report
	padded := issuestore.PaddedID(issue.ID)
	threshold := time.Duration(e.Config.Manager.StallThresholdMin) * time.Minute

	if threshold > 0 && !e.Config.IsHumanReview(issue.Stage) && !e.Config.IsParkingLot(issue.Stage) {
		if e.now().Sub(stageEnteredAt(issue)) > threshold {
			report.Stalled = append(report.Stalled, padded)
		}
	}

	if role, ok := e.Config.RoleFor(issue.Stage); ok && isCustomRole(role) && e.Sessions != nil && e.Starter != nil {
		name := naming.ContainerName(e.Project, role, padded)
		exists, err := e.Sessions.SessionExists(ctx, name)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("issue %s: check session %s: %w", padded, name, err))
		} else if !exists {
			if err := e.Starter.EnsureRoleStarted(ctx, padded, role); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("issue %s: start %s: %w", padded, role, err))
			} else {
				report.Started = append(report.Started, padded)
			}
		}
	}

	if e.isPendingExternalMerge(issue) && e.PR != nil && e.Workflow != nil {
		merged, err := e.PR.IsMerged(ctx, *issue.PRNumber)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("issue %s: check PR %d merged: %w", padded, *issue.PRNumber, err))
		} else if merged {
			if _, _, err := e.Workflow.Advance(ctx, padded, "accepted", workflow.TriggerManager); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("issue %s: advance on external merge: %w", padded, err))
			} else {
				report.Advanced = append(report.Advanced, padded)
			}
		}
	}

	return report
}

func isCustomRole(role string) bool {
	return role != "developer" && role != "manager"
}

// isPendingExternalMerge reports whether issue sits at the last stage of
// its flow with an open PR, making it a candidate for (c): a PR merged by
// a human outside agenttree's own auto-merge path should still advance
// the issue into its parking-lot destination (accepted).
func (e *Engine) isPendingExternalMerge(issue *issuestore.Issue) bool {
	if issue.PRNumber == nil {
		return false
	}
	_, _, ok := e.Config.NextInFlow(issue.Flow, issue.Stage)
	return !ok
}

// stageEnteredAt returns the timestamp of the most recent history entry,
// or issue.Created if the issue has never transitioned.
func stageEnteredAt(issue *issuestore.Issue) time.Time {
	if len(issue.History) == 0 {
		return issue.Created
	}
	return issue.History[len(issue.History)-1].Timestamp
}
