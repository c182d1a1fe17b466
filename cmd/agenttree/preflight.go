package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check the local environment is fit to start agents",
	Long: `Runs the same checks StartAgent runs before launching a container and
agent session: git on PATH, a configured git remote, an available
container runtime, and an authenticated gh CLI. Skips the remote/runtime/
gh checks when already running inside a container.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		return runPreflightChecks(a)
	},
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}

func runPreflightChecks(a *app) error {
	err := withSpinner("running preflight checks", func() error {
		return a.Agent.Preflight(context.Background())
	})
	if err != nil {
		fmt.Printf("preflight: FAIL (%v)\n", err)
		return err
	}
	fmt.Println("preflight: OK")
	return nil
}
