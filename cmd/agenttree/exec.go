package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/apperrors"
	"github.com/agenttree/agenttree/internal/naming"
)

var cmdOpts struct {
	issue string
}

// currentIssueID resolves which issue the command is running against:
// the explicit flag first, then the current git branch's naming
// convention (issue-NNN-slug, NNN-slug, feature/NNN-slug, prefix-NNN-slug).
func currentIssueID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	out, err := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("determine current branch: %w", err)
	}
	branch := strings.TrimSpace(string(out))
	id, ok := naming.IssueIDFromBranch(branch)
	if !ok {
		return "", fmt.Errorf("could not infer an issue id from branch %q; pass --issue", branch)
	}
	return id, nil
}

// runConfiguredCommand shells out to a commands.<name> entry from
// .agenttree.yaml (a single string run under "sh -c", or an argv list),
// streaming its stdout/stderr directly to the terminal rather than
// capturing it the way internal/template's renderer-internal command
// substitution does.
func runConfiguredCommand(ctx context.Context, cmdVal any, cwd string) error {
	var argv []string
	switch v := cmdVal.(type) {
	case string:
		argv = []string{"sh", "-c", v}
	case []string:
		argv = v
	case []any:
		for _, part := range v {
			s, ok := part.(string)
			if !ok {
				return fmt.Errorf("command list entries must be strings")
			}
			argv = append(argv, s)
		}
	default:
		return fmt.Errorf("unsupported command value type %T", cmdVal)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cwd
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}

func runNamedCommand(name string, issueID string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}
	cmdVal, ok := a.Config.Commands[name]
	if !ok {
		return fmt.Errorf("%w: no commands.%s configured in .agenttree.yaml", apperrors.ErrNotFound, name)
	}
	cwd := a.RepoRoot
	if id, err := currentIssueID(issueID); err == nil {
		issue, err := a.Issues.Get(id)
		if err != nil {
			return err
		}
		if issue.WorktreeDir != "" {
			cwd = issue.WorktreeDir
		}
	}
	return runConfiguredCommand(context.Background(), cmdVal, cwd)
}

var cmdCmd = &cobra.Command{
	Use:   "cmd <name>",
	Short: "Run a configured command in the current (or --issue) worktree",
	Long: `Looks up commands.<name> in .agenttree.yaml and runs it, in the
named issue's worktree if one is given or can be inferred from the
current git branch, otherwise in the repository root.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNamedCommand(args[0], cmdOpts.issue)
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the project's configured test command",
	Long:  `Shorthand for "agenttree cmd test".`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNamedCommand("test", cmdOpts.issue)
	},
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Run the project's configured lint command",
	Long:  `Shorthand for "agenttree cmd lint".`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNamedCommand("lint", cmdOpts.issue)
	},
}

var contextInitCmd = &cobra.Command{
	Use:   "context-init",
	Short: "Print the briefing for the current stage",
	Long: `Infers the current issue from --issue or the current git branch,
then renders that issue's current-stage skill file to stdout, for an
agent or operator to read before starting work by hand.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		id, err := currentIssueID(cmdOpts.issue)
		if err != nil {
			return err
		}
		issue, err := a.Issues.Get(id)
		if err != nil {
			return err
		}
		dir, err := a.Issues.Dir(id)
		if err != nil {
			return err
		}
		skill := a.Config.SkillPath(issue.Stage)
		if skill == "" {
			return fmt.Errorf("%w: no skill configured for stage %s", apperrors.ErrNotFound, issue.Stage)
		}
		raw, err := os.ReadFile(skill)
		if err != nil {
			return fmt.Errorf("read skill %s: %w", skill, err)
		}
		vars := map[string]string{
			"issue_id":     id,
			"worktree_dir": issue.WorktreeDir,
			"branch":       issue.Branch,
			"cwd":          dir,
		}
		rendered := a.Template.Render(context.Background(), string(raw), vars)
		fmt.Println(rendered)
		return nil
	},
}

var hooksCheckCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Check whether an issue's current stage is ready to advance",
	Long: `Runs the current stage's exit hooks without performing the
transition, printing "ready" or every validation failure that would block
"agenttree next".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		ready, failures, err := a.Workflow.CheckReady(context.Background(), args[0])
		if err != nil {
			return err
		}
		if ready {
			fmt.Println("ready")
			return nil
		}
		fmt.Println("not ready:")
		for _, f := range failures {
			fmt.Printf("  - %s\n", f)
		}
		return fmt.Errorf("%w: issue %s is not ready to advance", apperrors.ErrValidation, args[0])
	},
}

func init() {
	hooksCheckRoot := &cobra.Command{
		Use:   "hooks",
		Short: "Hook inspection commands",
	}
	hooksCheckRoot.AddCommand(hooksCheckCmd)
	rootCmd.AddCommand(hooksCheckRoot)

	cmdCmd.Flags().StringVar(&cmdOpts.issue, "issue", "", "Issue id (default: infer from the current git branch)")
	rootCmd.AddCommand(cmdCmd)

	testCmd.Flags().StringVar(&cmdOpts.issue, "issue", "", "Issue id (default: infer from the current git branch)")
	rootCmd.AddCommand(testCmd)

	lintCmd.Flags().StringVar(&cmdOpts.issue, "issue", "", "Issue id (default: infer from the current git branch)")
	rootCmd.AddCommand(lintCmd)

	contextInitCmd.Flags().StringVar(&cmdOpts.issue, "issue", "", "Issue id (default: infer from the current git branch)")
	rootCmd.AddCommand(contextInitCmd)
}
