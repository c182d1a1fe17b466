package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/rollback"
	"github.com/agenttree/agenttree/internal/workflow"
)

// printTransition reports the outcome of an Advance call: either the
// restart reorientation, or the issue's new stage.
func printTransition(issueID, newStage string, reo *workflow.Reorientation) {
	if reo != nil {
		fmt.Printf("issue %s: session out of sync with stage %s, re-run skill %s\n", issueID, reo.Stage, reo.Skill)
		return
	}
	fmt.Printf("issue %s -> %s\n", issueID, newStage)
}

var nextOpts struct {
	issue    string
	target   string
	reassess bool
}

var nextCmd = &cobra.Command{
	Use:   "next [id]",
	Short: "Advance an issue to its next stage",
	Long: `Resolves the issue's next dot-path in its flow (or --target to
jump to a specific one), runs that transition's exit and enter hooks, and
hands the issue off to whichever role owns the new stage. With
--reassess, instead moves the issue back to the nearest preceding
dot-path of its current stage in the flow.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		id := nextOpts.issue
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			return fmt.Errorf("an issue id is required (positionally or via --issue)")
		}
		ctx := context.Background()
		if nextOpts.reassess {
			issue, err := a.Workflow.Reassess(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("issue %s reassessed at %s\n", id, issue.Stage)
			return nil
		}
		issue, reo, err := a.Workflow.Advance(ctx, id, nextOpts.target, workflow.TriggerCLI)
		if err != nil {
			return err
		}
		newStage := ""
		if issue != nil {
			newStage = issue.Stage
		}
		printTransition(id, newStage, reo)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a human-review stage and advance",
	Long:  `Advances an issue past a human_review dot-path, the operator sign-off every such stage blocks on.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issue, reo, err := a.Workflow.Advance(context.Background(), args[0], "", workflow.TriggerCLI)
		if err != nil {
			return err
		}
		newStage := ""
		if issue != nil {
			newStage = issue.Stage
		}
		printTransition(args[0], newStage, reo)
		return nil
	},
}

var deferCmd = &cobra.Command{
	Use:   "defer <id>",
	Short: "Send an issue back to the backlog",
	Long:  `Sends an issue back to backlog without treating it as a rollback: no output archiving, no worktree reset.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issue, err := a.Issues.UpdateStage(args[0], config.Backlog, "defer")
		if err != nil {
			return err
		}
		fmt.Printf("issue %s deferred to %s\n", args[0], issue.Stage)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <id> {backlog|not_doing|accepted}",
	Short: "Move an issue to a parking-lot stage",
	Long: `Stops every agent registered for the issue, then moves it to the
named stage without running hooks. backlog, not_doing and accepted are
the parking-lot stages.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, target := args[0], args[1]
		switch target {
		case config.Backlog, config.NotDoing, config.Accepted:
		default:
			return fmt.Errorf("target must be one of backlog, not_doing, accepted")
		}
		a, err := currentApp()
		if err != nil {
			return err
		}
		if err := a.Agent.StopAllForIssue(context.Background(), id); err != nil {
			return err
		}
		issue, err := a.Issues.UpdateStage(id, target, "shutdown")
		if err != nil {
			return err
		}
		fmt.Printf("issue %s shut down to %s\n", id, issue.Stage)
		return nil
	},
}

var rollbackOpts struct {
	keepChanges  bool
	skipSync     bool
	maxRollbacks int
	resetWorktree string
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <id> <stage>",
	Short: "Roll an issue back to an earlier stage",
	Long: `Archives every output file produced since the target dot-path,
rewrites the issue's stage, clears its session and PR fields, stops its
agents, and (by default, for any target before "implement") resets its
worktree to main.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		opts := rollback.Options{
			KeepChanges:  rollbackOpts.keepChanges,
			SkipSync:     rollbackOpts.skipSync,
			MaxRollbacks: rollbackOpts.maxRollbacks,
		}
		switch rollbackOpts.resetWorktree {
		case "true":
			v := true
			opts.ResetWorktree = &v
		case "false":
			v := false
			opts.ResetWorktree = &v
		case "":
		default:
			return fmt.Errorf("--reset-worktree must be true or false")
		}
		issue, err := a.Rollback.Rollback(context.Background(), args[0], args[1], opts)
		if err != nil {
			return err
		}
		fmt.Printf("issue %s rolled back to %s\n", args[0], issue.Stage)
		return nil
	},
}

var syncOpts struct {
	pullOnly bool
	message  string
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the issue store's sidecar repository",
	Long: `Commits any local changes in the sidecar repository, pulls with
rebase and, unless --pull-only, pushes; then pushes pending per-issue
branches and opens a PR for each issue in a review stage that has none.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		ctx := context.Background()
		var pushed bool
		err = withSpinner("syncing", func() error {
			var syncErr error
			pushed, syncErr = a.Sync.Sync(ctx, syncOpts.pullOnly, syncOpts.message)
			if syncErr != nil {
				return syncErr
			}
			if syncErr = a.Sync.PushPendingBranches(ctx); syncErr != nil {
				return syncErr
			}
			return a.Sync.CheckPendingPRs(ctx)
		})
		if err != nil {
			return err
		}
		if pushed {
			fmt.Println("synced (pushed local changes)")
		} else {
			fmt.Println("synced (nothing to push)")
		}
		return nil
	},
}

func init() {
	nextCmd.Flags().StringVar(&nextOpts.issue, "issue", "", "Issue id (alternative to the positional argument)")
	nextCmd.Flags().StringVar(&nextOpts.target, "target", "", "Dot-path to jump to (default: next in flow)")
	nextCmd.Flags().BoolVar(&nextOpts.reassess, "reassess", false, "Move back to the preceding dot-path of the current stage")
	rootCmd.AddCommand(nextCmd)

	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(deferCmd)
	rootCmd.AddCommand(shutdownCmd)

	rollbackCmd.Flags().BoolVar(&rollbackOpts.keepChanges, "keep-changes", false, "Don't archive output files")
	rollbackCmd.Flags().BoolVar(&rollbackOpts.skipSync, "skip-sync", false, "Don't commit and push the sidecar repository")
	rollbackCmd.Flags().IntVar(&rollbackOpts.maxRollbacks, "max-rollbacks", 0, "Reject the rollback if this target has already been attempted this many times (0 = unlimited)")
	rollbackCmd.Flags().StringVar(&rollbackOpts.resetWorktree, "reset-worktree", "", "Force worktree reset true/false (default: auto)")
	rootCmd.AddCommand(rollbackCmd)

	syncCmd.Flags().BoolVar(&syncOpts.pullOnly, "pull-only", false, "Commit and pull, but don't push")
	syncCmd.Flags().StringVar(&syncOpts.message, "message", "", "Commit message (default: auto-generated)")
	rootCmd.AddCommand(syncCmd)
}
