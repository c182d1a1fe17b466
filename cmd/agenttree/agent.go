package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/agent"
	"github.com/agenttree/agenttree/internal/manager"
)

var startOpts struct {
	role          string
	skipPreflight bool
	force         bool
	tool          string
	dangerous     bool
}

var startCmd = &cobra.Command{
	Use:   "start [id]",
	Short: "Start an agent for an issue",
	Long: `Runs preflight, ensures the issue's worktree exists, creates its
tmux session running the tool inside a container, and waits for the
tool's prompt before returning. On Apple's container runtime it then
polls briefly for the container's UUID and records it in the state file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		opts := agent.StartOptions{
			Role:          startOpts.role,
			SkipPreflight: startOpts.skipPreflight,
			Force:         startOpts.force,
			Tool:          startOpts.tool,
			Dangerous:     startOpts.dangerous,
			Quiet:         !verbose,
		}
		err = withSpinner(fmt.Sprintf("starting %s for issue %s", roleOrDefault(opts.Role), args[0]), func() error {
			return a.Agent.StartAgent(context.Background(), args[0], opts)
		})
		if err != nil {
			return err
		}
		fmt.Printf("started %s for issue %s\n", roleOrDefault(opts.Role), args[0])
		return nil
	},
}

func roleOrDefault(role string) string {
	if role == "" {
		return "developer"
	}
	return role
}

var stopOpts struct {
	role string
	all  bool
}

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an agent",
	Long: `Kills the issue's tmux session, stops and removes its container if
one is running, and unregisters it from the state file. With --all, stops
every role registered for the issue instead of a single --role.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		ctx := context.Background()
		if stopOpts.all {
			if err := a.Agent.StopAllForIssue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("stopped all agents for issue %s\n", args[0])
			return nil
		}
		role := roleOrDefault(stopOpts.role)
		if err := a.Agent.Stop(ctx, args[0], role); err != nil {
			return err
		}
		fmt.Printf("stopped %s for issue %s\n", role, args[0])
		return nil
	},
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every running agent",
	Long:  `Iterates every issue in the store and stops every registered role.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issues, err := a.Issues.List("", "")
		if err != nil {
			return err
		}
		ctx := context.Background()
		var failed int
		for _, issue := range issues {
			padded := fmt.Sprintf("%03d", issue.ID)
			if err := a.Agent.StopAllForIssue(ctx, padded); err != nil {
				fmt.Printf("issue %s: %v\n", padded, err)
				failed++
				continue
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d issue(s) failed to stop cleanly", failed)
		}
		fmt.Println("stopped all agents")
		return nil
	},
}

var stallsCmd = &cobra.Command{
	Use:   "stalls",
	Short: "Scan for stalled issues, start custom-role agents, and advance merged ones",
	Long: `Runs the periodic manager scan once: reports issues that have been
idle past the stall threshold (it does not restart them), starts
custom-role agents whose session is missing, and advances issues whose
PR was merged outside agenttree. This is the same scan the long-running server loop runs on a
timer; run it manually to drive the fleet forward one tick at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		report, err := a.Manager.Scan(context.Background())
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func printReport(report manager.Report) {
	if len(report.Stalled) == 0 && len(report.Started) == 0 && len(report.Advanced) == 0 && len(report.Errors) == 0 {
		fmt.Println("no action needed")
		return
	}
	for _, id := range report.Stalled {
		fmt.Printf("stalled agent on issue %s\n", id)
	}
	for _, id := range report.Started {
		fmt.Printf("started agent for issue %s\n", id)
	}
	for _, id := range report.Advanced {
		fmt.Printf("advanced issue %s (PR merged)\n", id)
	}
	for _, err := range report.Errors {
		fmt.Printf("error: %v\n", err)
	}
}

func init() {
	startCmd.Flags().StringVar(&startOpts.role, "role", "", "Role to start (default: developer)")
	startCmd.Flags().BoolVar(&startOpts.skipPreflight, "skip-preflight", false, "Skip the environment preflight checks")
	startCmd.Flags().BoolVar(&startOpts.force, "force", false, "Restart even if a session is already running")
	startCmd.Flags().StringVar(&startOpts.tool, "tool", "", "Override the configured tool command")
	startCmd.Flags().BoolVar(&startOpts.dangerous, "dangerous", false, "Run the tool with sandboxing disabled")
	rootCmd.AddCommand(startCmd)

	stopCmd.Flags().StringVar(&stopOpts.role, "role", "", "Role to stop (default: developer)")
	stopCmd.Flags().BoolVar(&stopOpts.all, "all", false, "Stop every role registered for the issue")
	rootCmd.AddCommand(stopCmd)

	rootCmd.AddCommand(stopAllCmd)
	rootCmd.AddCommand(stallsCmd)
}
