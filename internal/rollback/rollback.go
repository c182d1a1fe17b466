// Package rollback implements the rollback procedure: archive every
// output file produced since an earlier dot-path, rewrite the issue back
// to it, clear its session and PR fields, unregister its agents, and
// optionally reset its worktree to main.
package rollback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agenttree/agenttree/internal/apperrors"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/session"
	"github.com/agenttree/agenttree/internal/worktree"
)

// AgentStopper unregisters every active agent for an issue via the
// canonical stop path; implemented by internal/agent.
type AgentStopper interface {
	StopAllForIssue(ctx context.Context, issueID string) error
}

// Syncer commits and pushes the sidecar store repository; implemented by
// internal/syncloop.
type Syncer interface {
	CommitAndPush(ctx context.Context, message string) error
}

// Options bundles the rollback flags from the design.
type Options struct {
	ResetWorktree *bool // nil = default (true when target is before "implement")
	KeepChanges bool
	SkipSync bool
	MaxRollbacks int // 0 = unlimited
}

// Engine performs rollbacks against one issue store / session store pair.
type Engine struct {
	Config *config.Config
	Issues *issuestore.Store
	Sessions *session.Store
	Agents AgentStopper
	Sync Syncer
}

// Rollback validates and performs a rollback to target for issueID.
func (e *Engine) Rollback(ctx context.Context, issueID, target string, opts Options) (*issuestore.Issue, error) {
	issue, err := e.Issues.Get(issueID)
	if err != nil {
		return nil, err
	}
	padded := issuestore.PaddedID(issue.ID)
	names := e.Config.FlowStageNames(issue.Flow)

	targetIdx, resolvedTarget, ok := locateTarget(names, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in flow %s", apperrors.ErrValidation, target, issue.Flow)
	}
	currentIdx := indexOf(names, issue.Stage)
	if currentIdx < 0 || targetIdx >= currentIdx {
		return nil, fmt.Errorf("%w: rollback target %s must be strictly earlier than current stage %s", apperrors.ErrValidation, resolvedTarget, issue.Stage)
	}
	if e.Config.IsTerminal(resolvedTarget) || e.Config.IsRedirectOnly(resolvedTarget) {
		return nil, fmt.Errorf("%w: %s cannot be a rollback target (terminal or redirect_only)", apperrors.ErrValidation, resolvedTarget)
	}
	if opts.MaxRollbacks > 0 {
		count := 0
		for _, h := range issue.History {
			if h.Type == "rollback" && h.Stage == resolvedTarget {
				count++
			}
		}
		if count >= opts.MaxRollbacks {
			return nil, fmt.Errorf("%w: rollback to %s already attempted %d times (max %d)", apperrors.ErrValidation, resolvedTarget, count, opts.MaxRollbacks)
		}
	}

	issueDir, err := e.Issues.Dir(issueID)
	if err != nil {
		return nil, err
	}

	if !opts.KeepChanges {
		if err := e.archiveOutputs(issueDir, names[targetIdx+1:]); err != nil {
			return nil, err
		}
	}

	issue, err = e.Issues.UpdateStage(issueID, resolvedTarget, "rollback")
	if err != nil {
		return nil, err
	}
	issue, err = e.Issues.UpdateMetadata(issueID, func(i *issuestore.Issue) {
		i.PRNumber = nil
		i.PRURL = nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.Sessions.Delete(padded); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}

	if e.Agents != nil {
		if err := e.Agents.StopAllForIssue(ctx, padded); err != nil {
			return nil, fmt.Errorf("unregister agents: %w", err)
		}
	}

	if e.shouldResetWorktree(opts, resolvedTarget) && issue.WorktreeDir != "" {
		if err := worktree.Reset(ctx, issue.WorktreeDir, "main"); err != nil {
			return nil, fmt.Errorf("reset worktree: %w", err)
		}
	}

	if !opts.SkipSync && e.Sync != nil {
		msg := fmt.Sprintf("rollback issue %s to %s", padded, resolvedTarget)
		if err := e.Sync.CommitAndPush(ctx, msg); err != nil {
			return nil, fmt.Errorf("%w: sync store: %v", apperrors.ErrTransient, err)
		}
	}

	return issue, nil
}

// shouldResetWorktree applies the default reset when
// the target precedes the "implement" stage, unless the caller overrides.
func (e *Engine) shouldResetWorktree(opts Options, target string) bool {
	if opts.ResetWorktree != nil {
		return *opts.ResetWorktree
	}
	stage, _ := splitDotPath(target)
	return stage != "implement" && !isAfterImplement(stage)
}

func isAfterImplement(stage string) bool {
	return stage == "implementation_review" || stage == "accepted"
}

// archiveOutputs moves every configured output file among dotPaths that
// exists on disk into issueDir/archive/rollback_<timestamp>/.
func (e *Engine) archiveOutputs(issueDir string, dotPaths []string) error {
	var toMove []string
	for _, dp := range dotPaths {
		name := e.Config.OutputFor(dp)
		if name == "" {
			continue
		}
		src := filepath.Join(issueDir, name)
		if _, err := os.Stat(src); err == nil {
			toMove = append(toMove, name)
		}
	}
	if len(toMove) == 0 {
		return nil
	}
	dest := filepath.Join(issueDir, "archive", "rollback_"+time.Now().UTC().Format("20060102T150405"))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	for _, name := range toMove {
		if err := os.Rename(filepath.Join(issueDir, name), filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	return nil
}

// locateTarget resolves target against a flow's ordered dot-path list.
// An exact match wins; otherwise, if target names a bare stage, the
// first flow entry under that stage (its "first substage") is used —
// this is the dot-path the design says rollback actually rewrites onto.
func locateTarget(names []string, target string) (idx int, resolved string, ok bool) {
	for i, dp := range names {
		if dp == target {
			return i, dp, true
		}
	}
	prefix := target + "."
	for i, dp := range names {
		if strings.HasPrefix(dp, prefix) {
			return i, dp, true
		}
	}
	return -1, "", false
}

func indexOf(names []string, dotPath string) int {
	for i, dp := range names {
		if dp == dotPath {
			return i
		}
	}
	return -1
}

func splitDotPath(dotPath string) (stage, substage string) {
	for i := 0; i < len(dotPath); i++ {
		if dotPath[i] == '.' {
			return dotPath[:i], dotPath[i+1:]
		}
	}
	return dotPath, ""
}
