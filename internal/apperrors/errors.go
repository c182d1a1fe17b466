// Package apperrors defines the error taxonomy shared across AgentTree's
// packages. Every error a caller needs to branch on is a sentinel wrapped
// with fmt.Errorf("...: %w", ...) so callers match with errors.Is/errors.As
// rather than string comparison.
package apperrors

import "errors"

// Sentinel errors for the kinds of failure described in the design. Using
// sentinels instead of ad-hoc fmt.Errorf allows callers to match with
// errors.Is for reliable error handling.
var (
	// ErrValidation means an exit hook's precondition is unmet. Recovered
	// locally by aborting the transition; see ValidationError for the
	// per-hook reason list.
	ErrValidation = errors.New("validation failed")

	// ErrRedirect means a hook requested a different next-stage. Recovered
	// by the workflow engine retrying with the new target.
	ErrRedirect = errors.New("stage redirect requested")

	// ErrNotFound means an issue, session, PR, or runtime is missing.
	// Caller-facing, never retried.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRunning means an agent is already active for the
	// requested (issue, role) pair.
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrPreflight means the environment is unfit to start an agent (no
	// git, no container runtime, no authenticated gh).
	ErrPreflight = errors.New("preflight check failed")

	// ErrTransient means a network timeout occurred in sync/gh/container
	// calls. Downgraded to a warning by callers that can continue offline.
	ErrTransient = errors.New("transient failure")

	// ErrFatal means a template is missing, YAML is corrupted, or git is
	// in a broken state. Surfaced as an error return with remediation
	// hints for interactive callers.
	ErrFatal = errors.New("fatal error")

	// ErrUnsupported means the requested operation belongs to an adapter
	// this build doesn't implement (the TUI, MCP server, notes migration,
	// or remote-host dispatch) rather than to a failure of the core
	// engines.
	ErrUnsupported = errors.New("not supported in this build")
)

// ValidationError carries the list of hook failures that aborted a
// transition. Wraps ErrValidation so errors.Is(err, ErrValidation) matches.
type ValidationError struct {
	Failures []HookFailure
}

// HookFailure names one hook that failed validation and why.
type HookFailure struct {
	HookType string
	Reason   string
}

func (e *ValidationError) Error() string {
	if len(e.Failures) == 0 {
		return "validation failed"
	}
	msg := "validation failed: "
	for i, f := range e.Failures {
		if i > 0 {
			msg += "; "
		}
		msg += f.HookType + ": " + f.Reason
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RedirectError carries the dot-path a hook wants the workflow engine to
// retry with instead of the originally requested target.
type RedirectError struct {
	To     string
	Reason string
}

func (e *RedirectError) Error() string {
	if e.Reason == "" {
		return "redirect to " + e.To
	}
	return "redirect to " + e.To + ": " + e.Reason
}

func (e *RedirectError) Unwrap() error { return ErrRedirect }

// AlreadyRunningError names the (issue, role) pair that already has a
// live agent.
type AlreadyRunningError struct {
	IssueID string
	Role    string
}

func (e *AlreadyRunningError) Error() string {
	return "agent already running for issue " + e.IssueID + " role " + e.Role
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// AgentStartError reports that start_agent's prompt-wait step timed out;
// StartAgent has already killed the session and stopped the container by
// the time this is returned, and no state-file entry has been registered.
type AgentStartError struct {
	IssueID string
	Role    string
	Reason  string
}

func (e *AgentStartError) Error() string {
	return "start agent for issue " + e.IssueID + " role " + e.Role + ": " + e.Reason
}

func (e *AgentStartError) Unwrap() error { return ErrFatal }
