// Package naming computes the deterministic resource names and ports
// described in the design. Given an issue ID, role, and slug, every derived
// resource name is computable without consulting any store — the
// observable names ARE the state, which is why an ActiveAgent (see
// internal/agent) is a derived view rather than a persisted row.
package naming

import (
	"fmt"
	"regexp"
)

// maxSlugLen is the slug length truncation applied when deriving worktree
// directory and branch names (the design: "slug[:30]").
const maxSlugLen = 30

// PaddedID zero-pads an issue ID to 3 digits, matching the directory
// naming convention used throughout the issue store.
func PaddedID(id int) string {
	return fmt.Sprintf("%03d", id)
}

// ShortSlug truncates a slug to the filesystem-friendly length used for
// worktree directories and branches.
func ShortSlug(slug string) string {
	if len(slug) > maxSlugLen {
		return slug[:maxSlugLen]
	}
	return slug
}

// Names bundles every deterministically-named resource for one
// (project, role, issueID, slug) tuple.
type Names struct {
	Container     string
	WorktreeDir   string
	Branch        string
	TmuxSession   string
	Port          int
}

// For computes the full Names bundle for an issue.
func For(project, role string, issueID int, slug string, basePort int) Names {
	padded := PaddedID(issueID)
	short := ShortSlug(slug)
	return Names{
		Container:   ContainerName(project, role, padded),
		WorktreeDir: fmt.Sprintf("issue-%s-%s", padded, short),
		Branch:      fmt.Sprintf("issue-%s-%s", padded, short),
		TmuxSession: ContainerName(project, role, padded),
		Port:        PortFor(issueID, basePort),
	}
}

// ContainerName is also used as the multiplexer session name: the two
// intentionally match so that an operator scanning `tmux ls` output can
// correlate sessions to containers by eye.
func ContainerName(project, role, paddedID string) string {
	return fmt.Sprintf("%s-%s-%s", project, role, paddedID)
}

// PortFor derives a deterministic port from an issue ID:
// base + (id mod 1000). Issues 1 and 1001 collide on purpose — having
// 1000+ concurrently active issues is vanishingly rare, and the collision
// is immediately obvious when it happens.
func PortFor(issueID, basePort int) int {
	return basePort + (issueID % 1000)
}

// branchIDPatterns mirrors issues.py's ordered pattern
// list: "issue-042-slug", "042-slug", "feature/042-slug", "prefix-042-slug".
// The first pattern to match wins.
var branchIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`issue-(\d+)`),
	regexp.MustCompile(`^(\d{3})-`),
	regexp.MustCompile(`/(\d{3})-`),
	regexp.MustCompile(`-(\d{3})-`),
}

// IssueIDFromBranch recovers an issue ID from a git branch name, trying
// the naming conventions a branch may have been created under.
func IssueIDFromBranch(branch string) (string, bool) {
	for _, re := range branchIDPatterns {
		if m := re.FindStringSubmatch(branch); m != nil {
			return m[1], true
		}
	}
	return "", false
}
