package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/hooks"
	"github.com/agenttree/agenttree/internal/issuestore"
)

// defaultConfig seeds a new repository's .agenttree.yaml with the fuller
// implement.* substage breakdown (setup/code/test/debug/code_review/
// address_review/ci_wait) rather than a single catch-all implement stage.
const defaultConfig = `project: %s
worktrees_dir: ../agenttree-worktrees
port_range: "9000-9099"
default_tool: claude
default_model: claude-sonnet-4-5

flows:
  default:
    - plan.plan_assess
    - plan.plan_revise
    - implement.setup
    - implement.code
    - implement.test
    - implement.debug
    - implement.code_review
    - implement.address_review
    - implement.ci_wait
    - done

stages:
  plan:
    role: developer
    skill: plan
    substages:
      plan_assess:
        human_review: true
      plan_revise: {}
  implement:
    role: developer
    skill: implement
    substages:
      setup: {}
      code: {}
      test: {}
      debug: {}
      code_review:
        human_review: true
      address_review: {}
      ci_wait: {}
  done:
    role: developer
    terminal: true

roles:
  developer:
    container: true
    tool: claude
    model: claude-sonnet-4-5
  manager:
    tool: claude
    model: claude-sonnet-4-5

commands:
  test: ["go", "test", "./..."]
  lint: ["go", "vet", "./..."]

manager:
  stall_threshold_min: 30
`

// storeSkeleton are the sidecar store subdirectories init creates under
// _agenttree/.
var storeSkeleton = []string{
	"issues",
	"sessions",
	"templates",
	"skills",
}

var (
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize agenttree in the current repository",
	Long: `Set up a repository for agenttree: .agenttree.yaml, the _agenttree/
sidecar store, and its own git repository.

This creates:
  .agenttree.yaml     - workflow configuration
  _agenttree/issues/   - issue directories
  _agenttree/sessions/ - per-issue orientation state
  _agenttree/templates/- skill/overview templates
  _agenttree/skills/   - stage-specific skill files
  _agenttree/.git/     - sidecar repository, synced independently of the main repo`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing .agenttree.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	configPath := filepath.Join(cwd, ".agenttree.yaml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	project := filepath.Base(cwd)
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(defaultConfig, project)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Printf("wrote %s\n", configPath)

	storePath := filepath.Join(cwd, storeDirName)
	for _, dir := range storeSkeleton {
		full := filepath.Join(storePath, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", full, err)
		}
	}

	if _, err := os.Stat(filepath.Join(storePath, ".git")); err != nil {
		gitInit := exec.Command("git", "init")
		gitInit.Dir = storePath
		if out, err := gitInit.CombinedOutput(); err != nil {
			return fmt.Errorf("git init %s: %w (%s)", storePath, err, out)
		}
		fmt.Printf("initialized sidecar repository at %s\n", storePath)
	}

	fmt.Println("run `agenttree preflight` to verify your environment, then `agenttree issue create`.")
	return nil
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade the repository's .agenttree.yaml to the current schema",
	Long: `Re-validates .agenttree.yaml against the current config schema and
reports anything that would need to change. agenttree does not auto-migrate
config fields it doesn't recognize — that is a hard error by design
(Design Notes: "unknown hook type = hard error at config load").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		fmt.Printf("%s validates against the current schema (project=%s)\n", a.Config.Project, a.Config.Project)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run preflight checks and scaffold any missing store directories",
	Long:  `Combines init's directory scaffolding with preflight's environment checks, for re-running against an existing repository.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		for _, dir := range storeSkeleton {
			full := filepath.Join(a.StorePath, dir)
			if err := os.MkdirAll(full, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", full, err)
			}
		}
		return runPreflightChecks(a)
	},
}

var migrateDocsCmd = &cobra.Command{
	Use:   "migrate-docs",
	Short: "Re-render every issue's OVERVIEW.md from the current overview template",
	Long: `Iterates every issue in the store and re-renders OVERVIEW.md from
_agenttree/templates/overview.md, useful after editing that template so
in-flight issues pick up the change. Issues are skipped, not failed, when
no overview template is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		issues, err := a.Issues.List("", "")
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		migrated := 0
		for _, issue := range issues {
			dir, err := a.Issues.Dir(fmt.Sprintf("%d", issue.ID))
			if err != nil {
				return err
			}
			ec := hooks.ExecContext{
				IssueID:     issuestore.PaddedID(issue.ID),
				IssueDir:    dir,
				WorktreeDir: issue.WorktreeDir,
				Branch:      issue.Branch,
			}
			dest := filepath.Join(dir, "OVERVIEW.md")
			if err := a.Template.RenderFile(ctx, "overview", dest, ec); err != nil {
				a.Log.Verbosef("issue %03d: skipped (%v)\n", issue.ID, err)
				continue
			}
			migrated++
		}
		fmt.Printf("migrated docs for %d/%d issues\n", migrated, len(issues))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateDocsCmd)
}
