// Package syncloop implements the sidecar-store sync procedure: the issue
// store lives in its own git repository, committed and pushed/pulled
// independently of any agent's worktree. Grounded on internal/worktree's
// git-shelling idiom (exec.CommandContext, CombinedOutput,
// stderr-substring classification for conditions git gives no structured
// signal for), adapted to an add/commit/pull-rebase/push sequence instead
// of worktree lifecycle.
package syncloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agenttree/agenttree/internal/hooks"
	"github.com/agenttree/agenttree/internal/issuestore"
)

// Hard per-call timeouts local git operations get 10s,
// anything that talks to a remote gets 30s.
const (
	LocalTimeout = 10 * time.Second
	NetworkTimeout = 30 * time.Second
)

// PRCreator opens a PR for an issue that has reached a PR-review stage
// without one yet (check-pending-PRs); implemented by internal/ghdriver
// together with issue/branch bookkeeping the caller supplies.
type PRCreator interface {
	EnsurePR(ctx context.Context, issue *issuestore.Issue) error
}

// Engine drives sync for one sidecar store repository.
type Engine struct {
	StorePath string
	Issues *issuestore.Store
	PR PRCreator
	// InContainer overrides hooks.InContainer for tests; nil uses it.
	InContainer func() bool
}

func (e *Engine) inContainer() bool {
	if e.InContainer != nil {
		return e.InContainer()
	}
	return hooks.InContainer()
}

func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Sync implements sync(store_path, pull_only?, commit_message?). It never
// returns an error for expected "nothing to do" conditions (no remote,
// host unreachable, merge conflict) — those are reported via the bool
// result, a "return false quietly" contract; only unexpected failures
// return a non-nil error.
func (e *Engine) Sync(ctx context.Context, pullOnly bool, commitMessage string) (bool, error) {
	if e.inContainer() {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(e.StorePath, ".git")); err != nil {
		return false, nil
	}

	if _, err := runGit(ctx, e.StorePath, LocalTimeout, "add", "-A"); err != nil {
		return false, fmt.Errorf("git add -A: %w", err)
	}
	if dirty, err := hasStagedChanges(ctx, e.StorePath); err != nil {
		return false, err
	} else if dirty {
		msg := commitMessage
		if msg == "" {
			msg = "sync: agenttree store update"
		}
		if out, err := runGit(ctx, e.StorePath, LocalTimeout, "commit", "-m", msg); err != nil {
			return false, fmt.Errorf("git commit: %w (%s)", err, strings.TrimSpace(out))
		}
	}

	out, err := runGit(ctx, e.StorePath, NetworkTimeout, "pull", "--rebase")
	if err != nil {
		if isUnreachable(out) {
			return false, nil
		}
		if isConflict(out) {
			fmt.Fprintf(os.Stderr, "sync: pull --rebase conflict in %s:\n%s\n", e.StorePath, out)
			return false, nil
		}
		return false, fmt.Errorf("git pull --rebase: %w (%s)", err, strings.TrimSpace(out))
	}

	if pullOnly {
		e.runPostActions(ctx)
		return true, nil
	}

	pushOut, err := runGit(ctx, e.StorePath, NetworkTimeout, "push")
	ok := err == nil
	if err != nil && !isUnreachable(pushOut) {
		e.runPostActions(ctx)
		return false, fmt.Errorf("git push: %w (%s)", err, strings.TrimSpace(pushOut))
	}
	e.runPostActions(ctx)
	return ok, nil
}

// CommitAndPush implements the rollback.Syncer capability: commit whatever
// rollback staged (archived outputs, rewritten issue.yaml) with message and
// push it, the same as a full Sync but named for the one-shot caller.
func (e *Engine) CommitAndPush(ctx context.Context, message string) error {
	_, err := e.Sync(ctx, false, message)
	return err
}

func (e *Engine) runPostActions(ctx context.Context) {
	if err := e.PushPendingBranches(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sync: push-pending-branches: %v\n", err)
	}
	if err := e.CheckPendingPRs(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sync: check-pending-prs: %v\n", err)
	}
}

// PushPendingBranches implements push-pending-branches: for every issue
// with needs_push=true, push its branch (falling back to
// --force-with-lease on a non-fast-forward rejection), clearing the flag
// on success.
func (e *Engine) PushPendingBranches(ctx context.Context) error {
	issues, err := e.Issues.List("", "")
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if !issue.NeedsPush || issue.Branch == "" || issue.WorktreeDir == "" {
			continue
		}
		out, err := runGit(ctx, issue.WorktreeDir, NetworkTimeout, "push", "-u", "origin", issue.Branch)
		if err != nil {
			if isNonFastForward(out) {
				out, err = runGit(ctx, issue.WorktreeDir, NetworkTimeout, "push", "--force-with-lease", "-u", "origin", issue.Branch)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "sync: push %s: %v (%s)\n", issue.Branch, err, strings.TrimSpace(out))
				continue
			}
		}
		if _, err := e.Issues.UpdateMetadata(fmt.Sprint(issue.ID), func(i *issuestore.Issue) {
			i.NeedsPush = false
		}); err != nil {
			fmt.Fprintf(os.Stderr, "sync: clear needs_push for issue %d: %v\n", issue.ID, err)
		}
	}
	return nil
}

// CheckPendingPRs implements check-pending-PRs: promote any issue sitting
// in a PR-review stage without a PR number by opening one.
func (e *Engine) CheckPendingPRs(ctx context.Context) error {
	if e.PR == nil {
		return nil
	}
	issues, err := e.Issues.List("", "")
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if issue.PRNumber != nil || issue.Branch == "" {
			continue
		}
		if !isPRReviewStage(issue.Stage) {
			continue
		}
		if err := e.PR.EnsurePR(ctx, issue); err != nil {
			fmt.Fprintf(os.Stderr, "sync: ensure PR for issue %d: %v\n", issue.ID, err)
		}
	}
	return nil
}

func isPRReviewStage(dotPath string) bool {
	return strings.Contains(dotPath, "review") || strings.HasPrefix(dotPath, "review")
}

func hasStagedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := runGit(ctx, dir, LocalTimeout, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if exitCode(err) == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached --quiet: %w (%s)", err, strings.TrimSpace(out))
}

func isUnreachable(out string) bool {
	return strings.Contains(out, "Could not resolve host") ||
	strings.Contains(out, "no remote") ||
	strings.Contains(out, "No configured push destination") ||
	strings.Contains(out, "Could not read from remote repository")
}

func isConflict(out string) bool {
	return strings.Contains(out, "CONFLICT") || strings.Contains(out, "could not apply")
}

func isNonFastForward(out string) bool {
	return strings.Contains(out, "non-fast-forward") || strings.Contains(out, "fetch first") || strings.Contains(out, "rejected")
}
