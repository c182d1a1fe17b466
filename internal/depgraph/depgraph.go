// Package depgraph answers dependency-readiness queries over the issue
// store: which issues are ready to start, which are blocked, and which
// depend on a given issue. Grounded on issues.py's check_dependencies_met
// / get_blocked_issues / get_dependent_issues / get_ready_issues
// functions, which back its `check-deps` CLI surface.
package depgraph

import "github.com/agenttree/agenttree/internal/issuestore"

// acceptedStage is the terminal stage a dependency must reach before it
// counts as "met" — matches internal/config.Accepted.
const acceptedStage = "accepted"

// DependenciesMet reports whether every entry in issue.Dependencies
// names an issue currently at the accepted stage.
func DependenciesMet(issue *issuestore.Issue, all map[string]*issuestore.Issue) bool {
	for _, dep := range issue.Dependencies {
		d, ok := all[dep]
		if !ok || d.Stage != acceptedStage {
			return false
		}
	}
	return true
}

// indexByPaddedID builds a padded-ID lookup map from a flat issue list.
func indexByPaddedID(issues []*issuestore.Issue) map[string]*issuestore.Issue {
	out := make(map[string]*issuestore.Issue, len(issues))
	for _, i := range issues {
		out[issuestore.PaddedID(i.ID)] = i
	}
	return out
}

// ReadyIssues returns issues not yet at the accepted stage whose
// dependencies are all met —
// candidates the manager or an operator can start next.
func ReadyIssues(issues []*issuestore.Issue) []*issuestore.Issue {
	byID := indexByPaddedID(issues)
	var out []*issuestore.Issue
	for _, i := range issues {
		if i.Stage != acceptedStage && DependenciesMet(i, byID) {
			out = append(out, i)
		}
	}
	return out
}

// BlockedIssues returns issues with at least one unmet dependency.
func BlockedIssues(issues []*issuestore.Issue) []*issuestore.Issue {
	byID := indexByPaddedID(issues)
	var out []*issuestore.Issue
	for _, i := range issues {
		if len(i.Dependencies) > 0 && !DependenciesMet(i, byID) {
			out = append(out, i)
		}
	}
	return out
}

// DependentIssues returns every issue that lists targetPaddedID as a
// dependency — "what unblocks if I finish this one".
func DependentIssues(issues []*issuestore.Issue, targetPaddedID string) []*issuestore.Issue {
	var out []*issuestore.Issue
	for _, i := range issues {
		for _, d := range i.Dependencies {
			if d == targetPaddedID {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// NewlyUnblocked filters DependentIssues down to those whose dependencies
// are now fully met — the issues that become startable once
// targetPaddedID has reached accepted.
func NewlyUnblocked(issues []*issuestore.Issue, targetPaddedID string) []*issuestore.Issue {
	byID := indexByPaddedID(issues)
	var out []*issuestore.Issue
	for _, i := range DependentIssues(issues, targetPaddedID) {
		if DependenciesMet(i, byID) {
			out = append(out, i)
		}
	}
	return out
}
