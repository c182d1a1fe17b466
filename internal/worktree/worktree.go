// Package worktree drives git worktree lifecycle for agent sandboxes: one
// worktree per (issue, role), checked out onto a deterministic branch,
// kept in sync with main by fetch+rebase. Shells out to git the same way
// a detached-HEAD worktree flow would, adapted to named branches instead
// of detached checkouts, since agent worktrees need a pushable branch.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Sentinel errors, following internal/apperrors' style: match with
// errors.Is rather than substring-checking git's stderr.
var (
	ErrMissingWorktree = errors.New("worktree does not exist")
	ErrRebaseConflict  = errors.New("rebase onto main produced conflicts")
)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Create implements create_worktree(repo, path, branch): ensure branch
// exists at HEAD (ignoring "already exists"), then add the worktree.
func Create(ctx context.Context, repo, path, branch string) error {
	if out, err := runGit(ctx, repo, "branch", branch, "HEAD"); err != nil {
		if !strings.Contains(out, "already exists") {
			return fmt.Errorf("git branch %s: %w (%s)", branch, err, strings.TrimSpace(out))
		}
	}
	if out, err := runGit(ctx, repo, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("git worktree add %s %s: %w (%s)", path, branch, err, strings.TrimSpace(out))
	}
	return nil
}

// UpdateWithMain implements update_worktree_with_main(path): fetch origin
// then rebase onto origin/main. On conflict it returns ok=false and
// leaves the rebase in progress — callers decide whether to abort, flag
// has_merge_conflicts, or prompt the agent.
func UpdateWithMain(ctx context.Context, path string) (ok bool, err error) {
	if out, err := runGit(ctx, path, "fetch", "origin"); err != nil {
		return false, fmt.Errorf("git fetch origin: %w (%s)", err, strings.TrimSpace(out))
	}
	out, err := runGit(ctx, path, "rebase", "origin/main")
	if err != nil {
		return false, nil
	}
	_ = out
	return true, nil
}

// Remove implements remove_worktree(repo, path), tolerant of a worktree
// that was already removed or never registered.
func Remove(ctx context.Context, repo, path string) error {
	out, err := runGit(ctx, repo, "worktree", "remove", path, "--force")
	if err != nil && !strings.Contains(out, "is not a working tree") && !strings.Contains(out, "not a git repository") {
		return fmt.Errorf("git worktree remove %s: %w (%s)", path, err, strings.TrimSpace(out))
	}
	return nil
}

// Reset implements reset_worktree(path, base): fetch, checkout base
// (creating it tracking origin if it doesn't exist locally), hard-reset
// to origin/<base>, clean untracked files, and drop any TASK.md marker
// left by a prior rollback or stage.
func Reset(ctx context.Context, path, base string) error {
	if out, err := runGit(ctx, path, "fetch", "origin"); err != nil {
		return fmt.Errorf("git fetch origin: %w (%s)", err, strings.TrimSpace(out))
	}
	if out, err := runGit(ctx, path, "checkout", base); err != nil {
		out2, err2 := runGit(ctx, path, "checkout", "-b", base, "origin/"+base)
		if err2 != nil {
			return fmt.Errorf("git checkout %s: %w (%s); create attempt: %w (%s)", base, err, strings.TrimSpace(out), err2, strings.TrimSpace(out2))
		}
	}
	if out, err := runGit(ctx, path, "reset", "--hard", "origin/"+base); err != nil {
		return fmt.Errorf("git reset --hard origin/%s: %w (%s)", base, err, strings.TrimSpace(out))
	}
	if out, err := runGit(ctx, path, "clean", "-fd"); err != nil {
		return fmt.Errorf("git clean -fd: %w (%s)", err, strings.TrimSpace(out))
	}
	if out, err := runGit(ctx, path, "rm", "-f", "--ignore-unmatch", "TASK.md"); err != nil {
		return fmt.Errorf("remove TASK.md marker: %w (%s)", err, strings.TrimSpace(out))
	}
	return nil
}

// GitOps implements hooks.GitOps, letting has_commits and
// rebase_onto_main hooks drive this package without it importing hooks.
type GitOps struct{}

// HasUnpushedCommits reports whether branch carries work that isn't on
// its remote counterpart yet. If origin/branch exists (the branch was
// pushed before), it compares against that; otherwise it compares
// against origin/main, since an unpushed branch's "unpushed commits" are
// whatever it has accumulated since it diverged from main.
func (GitOps) HasUnpushedCommits(ctx context.Context, worktreeDir, branch string) (bool, error) {
	upstream := "origin/main"
	if _, err := runGit(ctx, worktreeDir, "rev-parse", "--verify", "--quiet", "origin/"+branch); err == nil {
		upstream = "origin/" + branch
	}
	count, err := runGit(ctx, worktreeDir, "rev-list", "--count", upstream+"..HEAD")
	if err != nil {
		return false, fmt.Errorf("git rev-list --count %s..HEAD: %w", upstream, err)
	}
	n, _ := strconv.Atoi(strings.TrimSpace(count))
	return n > 0, nil
}

// RebaseOntoMain implements hooks.GitOps.RebaseOntoMain by delegating to
// UpdateWithMain and translating its ok bool into a conflict flag.
func (GitOps) RebaseOntoMain(ctx context.Context, worktreeDir string) (conflict bool, err error) {
	ok, err := UpdateWithMain(ctx, worktreeDir)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
