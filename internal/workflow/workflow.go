// Package workflow implements the stage-transition state machine from
// the design: resolve the next dot-path, run exit hooks, advance the
// issue, run enter hooks, and hand off to whichever agent role owns the
// new stage. It is the one package that imports config, issuestore,
// hooks, and session together — every other package only sees one or two
// of them.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenttree/agenttree/internal/apperrors"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/hooks"
	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/naming"
	"github.com/agenttree/agenttree/internal/session"
)

// Trigger names who asked for a transition.
type Trigger string

const (
	TriggerCLI Trigger = "cli"
	TriggerWeb Trigger = "web"
	TriggerMCP Trigger = "mcp"
	TriggerHook Trigger = "hook"
	TriggerManager Trigger = "manager"
)

// maxRedirects bounds the exit-hook redirect loop so a misconfigured
// redirect cycle fails loudly instead of spinning forever.
const maxRedirects = 10

// Notifier is the multiplexer capability Advance uses when a stage
// handoff changes role: tell the outgoing agent to wait, and snapshot its
// scrollback. internal/tmux drives the multiplexer itself but doesn't
// know the project/role naming scheme, so this is implemented by a small
// adapter in cmd/agenttree that resolves (issueID, role) to a session
// name via internal/naming before calling into internal/tmux.
type Notifier interface {
	NotifyWaitingFor(ctx context.Context, issueID, role string) error
	SaveHistory(ctx context.Context, sessionName, destPath string) error
}

// Starter ensures the agent owning a role is running for an issue,
// starting one if needed. Implemented by internal/agent.
type Starter interface {
	EnsureRoleStarted(ctx context.Context, issueID, role string) error
}

// Engine ties config, the issue store, the hook executor, and session
// tracking together to perform transitions.
type Engine struct {
	Config *config.Config
	Issues *issuestore.Store
	Sessions *session.Store
	Deps hooks.Deps
	Notifier Notifier
	Starter Starter
	CaptureHistory bool
}

// Reorientation is returned instead of advancing when the agent's
// session disagrees with the issue's actual current stage — the
// restart flow.
type Reorientation struct {
	Stage string
	Skill string
}

// Advance resolves and performs one stage transition for issueID. target
// may be empty to mean "next in flow"; trigger distinguishes a genuine
// human/CLI-driven transition from "the agent itself ran next", which is
// subject to the restart check.
func (e *Engine) Advance(ctx context.Context, issueID, target string, trigger Trigger) (*issuestore.Issue, *Reorientation, error) {
	issue, err := e.Issues.Get(issueID)
	if err != nil {
		return nil, nil, err
	}
	padded := issuestore.PaddedID(issue.ID)

	if trigger == TriggerHook {
		restart, err := e.Sessions.IsRestart(padded, issue.Stage)
		if err != nil {
			return nil, nil, fmt.Errorf("check restart: %w", err)
		}
		if restart {
			return issue, &Reorientation{Stage: issue.Stage, Skill: e.Config.SkillPath(issue.Stage)}, nil
		}
	}

	next, _, err := e.resolveTarget(issue, target)
	if err != nil {
		return nil, nil, err
	}
	if next == issue.Stage {
		return issue, nil, nil
	}

	ec, err := e.execContext(issue)
	if err != nil {
		return nil, nil, err
	}

	currentRole, _ := e.Config.RoleFor(issue.Stage)

	for attempt := 0; ; attempt++ {
		if attempt >= maxRedirects {
			return nil, nil, fmt.Errorf("%w: redirect loop exceeded %d hops starting at %s", apperrors.ErrFatal, maxRedirects, issue.Stage)
		}

		issue, err = e.Issues.SetProcessing(issueID, processingPtr(issuestore.ProcessingExiting))
		if err != nil {
			return nil, nil, err
		}

		stageHooks, substageHooks := e.Config.ExitHooks(issue.Stage)
		_, err = hooks.ExecuteExitHooks(ctx, stageHooks, substageHooks, ec, e.Deps)
		if err != nil {
			if redirect, ok := asRedirect(err); ok {
				resolved, _, rerr := e.resolveTarget(issue, redirect.To)
				if rerr != nil {
					return nil, nil, fmt.Errorf("redirect to invalid stage %q: %w", redirect.To, rerr)
				}
				next = resolved
				if _, err := e.Issues.SetProcessing(issueID, nil); err != nil {
					return nil, nil, err
				}
				continue
			}
			if _, err2 := e.Issues.SetProcessing(issueID, nil); err2 != nil {
				return nil, nil, err2
			}
			return nil, nil, err
		}
		break
	}

	if e.CaptureHistory && e.Notifier != nil {
		histPath := ec.IssueDir + "/tmux_history.log"
		_ = e.Notifier.SaveHistory(ctx, sessionNameFor(e.Config.Project, issuestore.PaddedID(issue.ID), currentRole), histPath)
	}

	issue, err = e.Issues.UpdateStage(issueID, next, "transition")
	if err != nil {
		return nil, nil, err
	}
	if _, err := e.Sessions.IsRestart(padded, next); err != nil {
		return nil, nil, fmt.Errorf("update session orientation: %w", err)
	}

	issue, err = e.Issues.SetProcessing(issueID, processingPtr(issuestore.ProcessingEntering))
	if err != nil {
		return nil, nil, err
	}

	ec.IssueDir, err = e.Issues.Dir(issueID)
	if err != nil {
		return nil, nil, err
	}

	stageHooks, substageHooks := e.Config.EnterHooks(next)
	result, err := hooks.ExecuteEnterHooks(ctx, stageHooks, substageHooks, ec, e.Deps)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: enter hooks for %s: %v", apperrors.ErrFatal, next, err)
	}
	issue, err = e.Issues.UpdateMetadata(issueID, func(i *issuestore.Issue) {
		if result.PRNumber != nil {
			i.PRNumber = result.PRNumber
		}
		if result.PRURL != nil {
			i.PRURL = result.PRURL
		}
		if result.NeedsPush != nil {
			i.NeedsPush = *result.NeedsPush
		}
	})
	if err != nil {
		return nil, nil, err
	}

	issue, err = e.Issues.SetProcessing(issueID, nil)
	if err != nil {
		return nil, nil, err
	}

	newRole, _ := e.Config.RoleFor(next)
	if newRole != "" && newRole != currentRole {
		if e.Notifier != nil {
			if err := e.Notifier.NotifyWaitingFor(ctx, issueID, newRole); err != nil {
				return issue, nil, fmt.Errorf("notify outgoing agent: %w", err)
			}
		}
		if e.Starter != nil {
			if err := e.Starter.EnsureRoleStarted(ctx, issueID, newRole); err != nil {
				return issue, nil, fmt.Errorf("start %s agent: %w", newRole, err)
			}
		}
	}

	return issue, nil, nil
}

// Reassess jumps back to the assess substage immediately preceding a
// plan_revise-style substage, bypassing normal next-computation, per
// the design.
func (e *Engine) Reassess(ctx context.Context, issueID string) (*issuestore.Issue, error) {
	issue, err := e.Issues.Get(issueID)
	if err != nil {
		return nil, err
	}
	stage, _ := splitDotPath(issue.Stage)
	names := e.Config.FlowStageNames(issue.Flow)
	idx := -1
	for i, n := range names {
		if n == issue.Stage {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return nil, fmt.Errorf("%w: no preceding assess substage for %s", apperrors.ErrValidation, issue.Stage)
	}
	var target string
	for i := idx - 1; i >= 0; i-- {
		if s, _ := splitDotPath(names[i]); s == stage {
			target = names[i]
			break
		}
	}
	if target == "" {
		return nil, fmt.Errorf("%w: no preceding assess substage for %s", apperrors.ErrValidation, issue.Stage)
	}
	return e.Issues.UpdateStage(issueID, target, "transition")
}

// CheckReady runs the current stage's exit hooks against issueID without
// persisting a transition, reporting whether the issue is ready to
// advance and, if not, the validation failures that say why.
func (e *Engine) CheckReady(ctx context.Context, issueID string) (ready bool, failures []string, err error) {
	issue, err := e.Issues.Get(issueID)
	if err != nil {
		return false, nil, err
	}
	ec, err := e.execContext(issue)
	if err != nil {
		return false, nil, err
	}
	stageHooks, substageHooks := e.Config.ExitHooks(issue.Stage)
	_, err = hooks.ExecuteExitHooks(ctx, stageHooks, substageHooks, ec, e.Deps)
	if err == nil {
		return true, nil, nil
	}
	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		msgs := make([]string, len(verr.Failures))
		for i, f := range verr.Failures {
			msgs[i] = f.Reason
		}
		return false, msgs, nil
	}
	if errors.Is(err, apperrors.ErrValidation) {
		return false, []string{err.Error()}, nil
	}
	return false, nil, err
}

func (e *Engine) resolveTarget(issue *issuestore.Issue, target string) (dotPath string, isHumanReview bool, err error) {
	if target == "" {
		next, humanReview, ok := e.Config.NextInFlow(issue.Flow, issue.Stage)
		if !ok {
			return "", false, fmt.Errorf("%w: %s has no next stage in flow %s", apperrors.ErrValidation, issue.Stage, issue.Flow)
		}
		return next, humanReview, nil
	}
	if e.Config.IsParkingLot(target) {
		return target, false, nil
	}
	for _, dp := range e.Config.FlowStageNames(issue.Flow) {
		if dp == target {
			return target, e.Config.IsHumanReview(target), nil
		}
	}
	return "", false, fmt.Errorf("%w: %s is not in flow %s and is not a parking lot", apperrors.ErrValidation, target, issue.Flow)
}

func (e *Engine) execContext(issue *issuestore.Issue) (hooks.ExecContext, error) {
	dir, err := e.Issues.Dir(fmt.Sprintf("%d", issue.ID))
	if err != nil {
		return hooks.ExecContext{}, err
	}
	ec := hooks.ExecContext{
		IssueID: issuestore.PaddedID(issue.ID),
		IssueDir: dir,
		WorktreeDir: issue.WorktreeDir,
		Branch: issue.Branch,
		InContainer: hooks.InContainer(),
	}
	if issue.PRNumber != nil {
		ec.PRNumber = *issue.PRNumber
	}
	return ec, nil
}

func splitDotPath(dotPath string) (stage, substage string) {
	for i := 0; i < len(dotPath); i++ {
		if dotPath[i] == '.' {
			return dotPath[:i], dotPath[i+1:]
		}
	}
	return dotPath, ""
}

func processingPtr(p issuestore.Processing) *issuestore.Processing { return &p }

func sessionNameFor(project, paddedID, role string) string {
	return naming.ContainerName(project, role, paddedID)
}

func asRedirect(err error) (*apperrors.RedirectError, bool) {
	e, ok := err.(*apperrors.RedirectError)
	return e, ok
}

