package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/depgraph"
	"github.com/agenttree/agenttree/internal/issuestore"
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Create, list, and inspect issues",
}

func init() {
	rootCmd.AddCommand(issueCmd)
}

// --- issue create ---

var (
	issueCreatePriority string
	issueCreateFlow     string
	issueCreateStage    string
	issueCreateProblem  string
	issueCreateLabels   []string
	issueCreateDeps     []string
)

var issueCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		flow := issueCreateFlow
		if flow == "" {
			flow = "default"
		}
		stage := issueCreateStage
		if stage == "" {
			stage = "backlog"
		}
		issue, err := a.Issues.Create(issuestore.CreateParams{
			Title:        args[0],
			Priority:     issuestore.Priority(issueCreatePriority),
			Problem:      issueCreateProblem,
			Flow:         flow,
			Stage:        stage,
			Labels:       issueCreateLabels,
			Dependencies: issueCreateDeps,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created issue %03d: %s\n", issue.ID, issue.Title)
		return nil
	},
}

func init() {
	issueCmd.AddCommand(issueCreateCmd)
	issueCreateCmd.Flags().StringVar(&issueCreatePriority, "priority", string(issuestore.PriorityMedium), "priority (low, medium, high, critical)")
	issueCreateCmd.Flags().StringVar(&issueCreateFlow, "flow", "", "flow name (default: \"default\")")
	issueCreateCmd.Flags().StringVar(&issueCreateStage, "stage", "", "starting dot-path (default: \"backlog\")")
	issueCreateCmd.Flags().StringVar(&issueCreateProblem, "problem", "", "problem statement, written to problem.md")
	issueCreateCmd.Flags().StringSliceVar(&issueCreateLabels, "label", nil, "label (repeatable)")
	issueCreateCmd.Flags().StringSliceVar(&issueCreateDeps, "dep", nil, "dependency issue ID (repeatable)")
}

// --- issue list ---

var (
	issueListStage    string
	issueListPriority string
)

var issueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues, optionally filtered by stage or priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issues, err := a.Issues.List(issueListStage, issuestore.Priority(issueListPriority))
		if err != nil {
			return err
		}
		return renderIssues(a, issues)
	},
}

func init() {
	issueCmd.AddCommand(issueListCmd)
	issueListCmd.Flags().StringVar(&issueListStage, "stage", "", "filter by dot-path stage")
	issueListCmd.Flags().StringVar(&issueListPriority, "priority", "", "filter by priority")
}

// --- issue show ---

var issueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one issue's full details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issue, err := a.Issues.Get(args[0])
		if err != nil {
			return err
		}
		if GetOutput() == "json" {
			data, err := json.MarshalIndent(issue, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("issue %03d: %s\n", issue.ID, issue.Title)
		fmt.Printf("  stage:    %s\n", styledStage(a, issue.Stage))
		fmt.Printf("  priority: %s\n", issue.Priority)
		fmt.Printf("  flow:     %s\n", issue.Flow)
		if len(issue.Labels) > 0 {
			fmt.Printf("  labels:   %s\n", strings.Join(issue.Labels, ", "))
		}
		if len(issue.Dependencies) > 0 {
			fmt.Printf("  depends:  %s\n", strings.Join(issue.Dependencies, ", "))
		}
		if issue.Branch != "" {
			fmt.Printf("  branch:   %s\n", issue.Branch)
		}
		if issue.PRNumber != nil {
			fmt.Printf("  pr:       #%d\n", *issue.PRNumber)
		}
		return nil
	},
}

func init() {
	issueCmd.AddCommand(issueShowCmd)
}

// --- issue set-priority ---

var issueSetPriorityCmd = &cobra.Command{
	Use:   "set-priority <id> <priority>",
	Short: "Change an issue's priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issue, err := a.Issues.UpdatePriority(args[0], issuestore.Priority(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("issue %03d priority: %s\n", issue.ID, issue.Priority)
		return nil
	},
}

func init() {
	issueCmd.AddCommand(issueSetPriorityCmd)
}

// --- issue doc ---

var issueDocCmd = &cobra.Command{
	Use:   "doc <id> <file>",
	Short: "Print one of an issue's markdown files (e.g. problem.md)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		dir, err := a.Issues.Dir(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(dir + string(os.PathSeparator) + args[1])
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	issueCmd.AddCommand(issueDocCmd)
}

// --- issue check-deps ---

var issueCheckDepsCmd = &cobra.Command{
	Use:   "check-deps",
	Short: "Show ready, blocked, and dependent issues by dependency graph",
	Long: `An issue not yet accepted is ready when every dependency has reached
the accepted stage, blocked otherwise. Pass an id to also list what depends on it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issues, err := a.Issues.List("", "")
		if err != nil {
			return err
		}
		if len(args) == 1 {
			dependents := depgraph.DependentIssues(issues, args[0])
			fmt.Printf("issues depending on %s:\n", args[0])
			return renderIssues(a, dependents)
		}
		ready := depgraph.ReadyIssues(issues)
		blocked := depgraph.BlockedIssues(issues)
		fmt.Println("ready:")
		if err := renderIssues(a, ready); err != nil {
			return err
		}
		fmt.Println("blocked:")
		return renderIssues(a, blocked)
	},
}

func init() {
	issueCmd.AddCommand(issueCheckDepsCmd)
}
