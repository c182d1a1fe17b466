package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/issuestore"
)

var autoMergeCmd = &cobra.Command{
	Use:   "auto-merge <pr>",
	Short: "Watch a PR's checks and approval, then merge it",
	Long: `Polls the PR's CI status (and, unless --no-approval, its review
approval) until both pass, then merges. Returns an error once
--max-wait elapses without merging.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("pr number must be an integer: %w", err)
		}
		a, err := currentApp()
		if err != nil {
			return err
		}
		if err := a.GH.MonitorPRAndAutoMerge(context.Background(), number, !autoMergeOpts.noApproval, autoMergeOpts.maxWait); err != nil {
			return err
		}
		fmt.Printf("merged PR #%d\n", number)
		return nil
	},
}

var autoMergeOpts struct {
	noApproval bool
	maxWait    time.Duration
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile worktree_dir fields against git's actual worktree registry",
	Long: `Lists every worktree "git worktree list" actually knows about and
every issue's recorded worktree_dir, reporting (and, with --fix,
clearing) any issue whose worktree_dir points at a directory git no
longer has registered, and any registered worktree no issue claims.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		registered, err := listGitWorktrees(a.RepoRoot)
		if err != nil {
			return err
		}
		issues, err := a.Issues.List("", "")
		if err != nil {
			return err
		}

		claimed := map[string]bool{}
		for _, issue := range issues {
			if issue.WorktreeDir == "" {
				continue
			}
			claimed[issue.WorktreeDir] = true
			if !registered[issue.WorktreeDir] {
				fmt.Printf("issue %s: worktree_dir %s is not a registered git worktree\n", issuestore.PaddedID(issue.ID), issue.WorktreeDir)
				if cleanupOpts.fix {
					if _, err := a.Issues.UpdateMetadata(issuestore.PaddedID(issue.ID), func(i *issuestore.Issue) {
						i.WorktreeDir = ""
					}); err != nil {
						return err
					}
				}
			}
		}
		for path := range registered {
			if !claimed[path] {
				fmt.Printf("orphaned worktree: %s (no issue claims it)\n", path)
			}
		}
		return nil
	},
}

var cleanupOpts struct {
	fix bool
}

// listGitWorktrees parses "git worktree list --porcelain" into a set of
// absolute worktree paths, skipping the repo's own primary checkout.
func listGitWorktrees(repoRoot string) (map[string]bool, error) {
	out, err := exec.Command("git", "-C", repoRoot, "worktree", "list", "--porcelain").Output()
	if err != nil {
		return nil, fmt.Errorf("list git worktrees: %w", err)
	}
	result := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			if first {
				first = false
				continue
			}
			result[path] = true
		}
	}
	return result, nil
}

var sandboxOpts struct {
	git  bool
	list bool
	kill bool
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox [name]",
	Short: "Manage ad-hoc worktrees not tied to any issue",
	Long: `A sandbox is a plain git worktree under worktrees_dir, outside the
issue store entirely, for exploratory work that doesn't warrant its own
issue. Bare "sandbox <name>" creates one on a branch named "sandbox/<name>".
--list prints existing sandboxes; --kill removes the named one; --git runs
"git worktree add" with no extra setup (the default also does this — --git
is accepted for symmetry with the original CLI's flag and currently
behaves identically, since this build has no container sandbox mode).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		if sandboxOpts.list {
			registered, err := listGitWorktrees(a.RepoRoot)
			if err != nil {
				return err
			}
			for path := range registered {
				if strings.Contains(path, "sandbox-") {
					fmt.Println(path)
				}
			}
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("a sandbox name is required unless --list is given")
		}
		name := args[0]
		dir := resolveWorktreesDir(a.RepoRoot, a.Config.WorktreesDir) + "/sandbox-" + name
		if sandboxOpts.kill {
			c := exec.Command("git", "-C", a.RepoRoot, "worktree", "remove", "--force", dir)
			c.Stdout, c.Stderr = os.Stdout, os.Stderr
			return c.Run()
		}
		c := exec.Command("git", "-C", a.RepoRoot, "worktree", "add", "-b", "sandbox/"+name, dir)
		c.Stdout, c.Stderr = os.Stdout, os.Stderr
		if err := c.Run(); err != nil {
			return err
		}
		fmt.Printf("sandbox %s created at %s\n", name, dir)
		return nil
	},
}

func init() {
	autoMergeCmd.Flags().BoolVar(&autoMergeOpts.noApproval, "no-approval", false, "Don't require review approval before merging")
	autoMergeCmd.Flags().DurationVar(&autoMergeOpts.maxWait, "max-wait", 10*time.Minute, "Maximum time to wait for mergeability")
	rootCmd.AddCommand(autoMergeCmd)

	cleanupCmd.Flags().BoolVar(&cleanupOpts.fix, "fix", false, "Clear worktree_dir on issues whose worktree no longer exists")
	rootCmd.AddCommand(cleanupCmd)

	sandboxCmd.Flags().BoolVar(&sandboxOpts.git, "git", false, "Use a plain git worktree (default, accepted for CLI-surface symmetry)")
	sandboxCmd.Flags().BoolVar(&sandboxOpts.list, "list", false, "List existing sandboxes")
	sandboxCmd.Flags().BoolVar(&sandboxOpts.kill, "kill", false, "Remove the named sandbox")
	rootCmd.AddCommand(sandboxCmd)
}
