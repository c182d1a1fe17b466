package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dryRun  bool
	verbose bool
	output  string
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agenttree",
	Short: "Orchestrate AI coding agents across isolated git worktrees",
	Long: `agenttree drives a fleet of AI coding agents, each working one issue in
its own git worktree, tmux session, and optional container, moving through
a stage pipeline defined in .agenttree.yaml.

Core commands:
  issue        Create, list, and inspect issues
  start        Start an agent for an issue
  stop         Stop an agent
  next         Advance an issue to its next stage
  attach       Attach to a running agent's session
  sync         Sync the issue store's sidecar repository`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		syncConfigFlagToEnv()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would happen without executing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <repo>/.agenttree.yaml)")
}

// GetDryRun returns the dry-run flag value for use by subcommands.
func GetDryRun() bool {
	return dryRun
}

// GetVerbose returns the verbose flag value for use by subcommands.
func GetVerbose() bool {
	return verbose
}

// GetOutput returns the output format for use by subcommands.
func GetOutput() string {
	return output
}

// GetConfigFile returns the config file path for use by subcommands.
func GetConfigFile() string {
	return cfgFile
}

// VerbosePrintf prints only when verbose mode is enabled, for code that
// runs without an *app. Commands that build an *app use its injected
// logging.Logger instead.
func VerbosePrintf(format string, args ...interface{}) {
	if verbose {
		fmt.Printf(format, args...)
	}
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(GetConfigFile())
	if path == "" {
		return
	}
	_ = os.Setenv("AGENTTREE_CONFIG", path)
}

// currentApp wires the full engine set for the current invocation: config,
// issue store, session store, state file, and the workflow/agent/rollback/
// sync/manager engines built from them. Every command that touches an
// issue or an agent goes through this instead of constructing its own
// dependencies inline.
func currentApp() (*app, error) {
	return newApp(cfgFile, verbose)
}
