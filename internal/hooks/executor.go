package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agenttree/agenttree/internal/apperrors"
)

// containerEnvVar is checked first by InContainer; also recognizes
// /.dockerenv and a cgroup substring, checked by the fallback probes below.
const containerEnvVar = "AGENTTREE_CONTAINER"

// InContainer reports whether the current process is running inside a
// container, using the three signals the design names: the env var, the
// presence of /.dockerenv, or a "docker", "containerd" or "kubepods"
// substring in /proc/1/cgroup.
func InContainer() bool {
	if os.Getenv(containerEnvVar) == "1" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if bytes.Contains(data, []byte("docker")) || bytes.Contains(data, []byte("containerd")) || bytes.Contains(data, []byte("kubepods")) {
			return true
		}
	}
	return false
}

// PRClient is the GitHub capability hooks need; implemented by
// internal/ghdriver and injected so this package has no direct dependency
// on the gh CLI wrapper.
type PRClient interface {
	Create(ctx context.Context, branch, title, body string) (number int, url string, err error)
	ApprovalStatus(ctx context.Context, number int) (approved bool, author string, err error)
	Merge(ctx context.Context, number int) error
}

// AgentController is the lifecycle capability host-only hooks need;
// implemented by internal/agent.
type AgentController interface {
	CleanupAgent(ctx context.Context, issueID string) error
	StartBlockedIssues(ctx context.Context) error
}

// Renderer renders a named template into a destination path using the
// exec context's issue/worktree state; implemented by internal/template.
type Renderer interface {
	RenderFile(ctx context.Context, templateName, destPath string, ec ExecContext) error
}

// GitOps is the worktree-level git capability hooks need; implemented by
// internal/worktree.
type GitOps interface {
	HasUnpushedCommits(ctx context.Context, worktreeDir, branch string) (bool, error)
	RebaseOntoMain(ctx context.Context, worktreeDir string) (conflict bool, err error)
}

// ExecContext is the per-invocation state hooks read from: where the
// issue's files live, its worktree, its current PR, and whether this
// process is running inside a container.
type ExecContext struct {
	IssueID string
	IssueDir string
	WorktreeDir string
	Branch string
	PRNumber int
	PRAuthor string
	InContainer bool
}

// Deps bundles the capability interfaces the executor dispatches to.
// Any of these may be nil; a hook that needs a nil dependency fails fatally
// rather than panicking.
type Deps struct {
	PR PRClient
	Agents AgentController
	Template Renderer
	Git GitOps
}

// Result is returned by a successful enter-hook run that set fields the
// caller (the workflow engine) must persist onto the issue — e.g. a PR
// number/URL from create_pr, or needs_push from a rebase conflict.
type Result struct {
	PRNumber *int
	PRURL *string
	NeedsPush *bool
}

func (r *Result) merge(other Result) {
	if other.PRNumber != nil {
		r.PRNumber = other.PRNumber
	}
	if other.PRURL != nil {
		r.PRURL = other.PRURL
	}
	if other.NeedsPush != nil {
		r.NeedsPush = other.NeedsPush
	}
}

// Execute runs a list of hooks in declaration order. A ValidationError
// (for hooks that are not optional) aborts the remainder of the list and
// is returned directly. A RedirectError unwinds immediately. host_only
// hooks are silently skipped when ec.InContainer is true.
func Execute(ctx context.Context, list []Hook, ec ExecContext, deps Deps) (Result, error) {
	var result Result
	for _, h := range list {
		if h.HostOnly() && ec.InContainer {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, h.Timeout())
		r, err := runOne(hctx, h, ec, deps)
		cancel()
		if err != nil {
			if h.Optional() {
				continue
			}
			return result, err
		}
		result.merge(r)
	}
	return result, nil
}

// ExecuteExitHooks runs the substage-level list (if any) then the
// stage-level list.
func ExecuteExitHooks(ctx context.Context, stageHooks, substageHooks []Hook, ec ExecContext, deps Deps) (Result, error) {
	var result Result
	if r, err := Execute(ctx, substageHooks, ec, deps); err != nil {
		return r, err
	} else {
		result.merge(r)
	}
	r, err := Execute(ctx, stageHooks, ec, deps)
	result.merge(r)
	return result, err
}

// ExecuteEnterHooks runs the stage-level list first, then the
// substage-level list — the reverse order of exit hooks.
func ExecuteEnterHooks(ctx context.Context, stageHooks, substageHooks []Hook, ec ExecContext, deps Deps) (Result, error) {
	var result Result
	if r, err := Execute(ctx, stageHooks, ec, deps); err != nil {
		return r, err
	} else {
		result.merge(r)
	}
	r, err := Execute(ctx, substageHooks, ec, deps)
	result.merge(r)
	return result, err
}

func runOne(ctx context.Context, h Hook, ec ExecContext, deps Deps) (Result, error) {
	switch hook := h.(type) {
	case *RunHook:
		return Result{}, runCommand(ctx, hook, ec)
	case *FileExistsHook:
		return Result{}, runFileExists(hook, ec)
	case *SectionCheckHook:
		return Result{}, runSectionCheck(hook, ec)
	case *FieldCheckHook:
		return Result{}, runFieldCheck(hook, ec)
	case *CreateFileHook:
		return Result{}, runCreateFile(ctx, hook, ec, deps)
	case *HasCommitsHook:
		return Result{}, runHasCommits(ctx, ec, deps)
	case *HasListItemsHook:
		return Result{}, runHasListItems(hook, ec)
	case *PRApprovedHook:
		return Result{}, runPRApproved(ctx, hook, ec, deps)
	case *CreatePRHook:
		return runCreatePR(ctx, hook, ec, deps)
	case *MergePRHook:
		return Result{}, runMergePR(ctx, ec, deps)
	case *CleanupAgentHook:
		return Result{}, runCleanupAgent(ctx, ec, deps)
	case *StartBlockedIssuesHook:
		return Result{}, runStartBlockedIssues(ctx, deps)
	case *RedirectHook:
		return Result{}, &apperrors.RedirectError{To: hook.To, Reason: hook.Reason}
	case *RebaseOntoMainHook:
		return runRebaseOntoMain(ctx, ec, deps)
	default:
		return Result{}, fmt.Errorf("%w: unhandled hook variant %T", apperrors.ErrFatal, h)
	}
}

func validationErr(hookType Type, reason string) error {
	return &apperrors.ValidationError{Failures: []apperrors.HookFailure{{HookType: string(hookType), Reason: reason}}}
}

func runCommand(ctx context.Context, h *RunHook, ec ExecContext) error {
	cwd := h.Cwd
	if cwd == "" {
		cwd = ec.WorktreeDir
	}
	if cwd == "" {
		cwd = ec.IssueDir
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range h.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return validationErr(TypeRun, stderr.String())
	}
	return nil
}

func runFileExists(h *FileExistsHook, ec ExecContext) error {
	path := filepath.Join(ec.IssueDir, h.File)
	if _, err := os.Stat(path); err != nil {
		return validationErr(TypeFileExists, fmt.Sprintf("%s not found", h.File))
	}
	return nil
}

func readIssueFile(ec ExecContext, relpath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(ec.IssueDir, relpath))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runSectionCheck(h *SectionCheckHook, ec ExecContext) error {
	content, err := readIssueFile(ec, h.File)
	if err != nil {
		return validationErr(TypeSectionCheck, fmt.Sprintf("%s: %v", h.File, err))
	}
	body, found := sectionBody(content, h.Section)
	if !found {
		return validationErr(TypeSectionCheck, fmt.Sprintf("section %q not found in %s", h.Section, h.File))
	}
	switch h.Expect {
	case ExpectNotEmpty:
		if stripped(body) == "" {
			return validationErr(TypeSectionCheck, fmt.Sprintf("section %q is empty", h.Section))
		}
	case ExpectEmpty:
		if stripped(body) != "" {
			return validationErr(TypeSectionCheck, fmt.Sprintf("section %q is not empty", h.Section))
		}
	case ExpectAllChecked:
		checked, total := checklistStatus(body)
		if total == 0 {
			return validationErr(TypeSectionCheck, fmt.Sprintf("section %q has no checklist items", h.Section))
		}
		if checked != total {
			return validationErr(TypeSectionCheck, fmt.Sprintf("section %q has %d/%d items unchecked", h.Section, total-checked, total))
		}
	}
	return nil
}

func stripped(s string) string {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return s
		}
	}
	return ""
}

func runFieldCheck(h *FieldCheckHook, ec ExecContext) error {
	content, err := readIssueFile(ec, h.File)
	if err != nil {
		return validationErr(TypeFieldCheck, fmt.Sprintf("%s: %v", h.File, err))
	}
	block, found := fencedYAMLBlock(content)
	if !found {
		return validationErr(TypeFieldCheck, fmt.Sprintf("no fenced yaml block in %s", h.File))
	}
	value, err := dottedField(block, h.Path)
	if err != nil {
		return validationErr(TypeFieldCheck, err.Error())
	}
	if value < h.Min {
		return validationErr(TypeFieldCheck, fmt.Sprintf("%s = %v, want >= %v", h.Path, value, h.Min))
	}
	return nil
}

func runCreateFile(ctx context.Context, h *CreateFileHook, ec ExecContext, deps Deps) error {
	dest := filepath.Join(ec.IssueDir, h.Dest)
	if _, err := os.Stat(dest); err == nil {
		return nil // idempotent: never overwrite an existing destination
	}
	if deps.Template == nil {
		return fmt.Errorf("%w: create_file hook with no template renderer configured", apperrors.ErrFatal)
	}
	if err := deps.Template.RenderFile(ctx, h.Template, dest, ec); err != nil {
		return fmt.Errorf("%w: render template %q: %v", apperrors.ErrFatal, h.Template, err)
	}
	return nil
}

func runHasCommits(ctx context.Context, ec ExecContext, deps Deps) error {
	if deps.Git == nil {
		return fmt.Errorf("%w: has_commits hook with no git ops configured", apperrors.ErrFatal)
	}
	ok, err := deps.Git.HasUnpushedCommits(ctx, ec.WorktreeDir, ec.Branch)
	if err != nil {
		return fmt.Errorf("%w: has_commits: %v", apperrors.ErrFatal, err)
	}
	if !ok {
		return validationErr(TypeHasCommits, "no unpushed commits on branch "+ec.Branch)
	}
	return nil
}

func runHasListItems(h *HasListItemsHook, ec ExecContext) error {
	content, err := readIssueFile(ec, h.File)
	if err != nil {
		return validationErr(TypeHasListItems, fmt.Sprintf("%s: %v", h.File, err))
	}
	body, found := sectionBody(content, h.Section)
	if !found {
		return validationErr(TypeHasListItems, fmt.Sprintf("section %q not found in %s", h.Section, h.File))
	}
	if listItemCount(body) < 1 {
		return validationErr(TypeHasListItems, fmt.Sprintf("section %q has no list items", h.Section))
	}
	return nil
}

func runPRApproved(ctx context.Context, h *PRApprovedHook, ec ExecContext, deps Deps) error {
	if deps.PR == nil {
		return fmt.Errorf("%w: pr_approved hook with no PR client configured", apperrors.ErrFatal)
	}
	if ec.PRNumber == 0 {
		return validationErr(TypePRApproved, "issue has no open PR")
	}
	approved, author, err := deps.PR.ApprovalStatus(ctx, ec.PRNumber)
	if err != nil {
		return fmt.Errorf("%w: pr_approved: %v", apperrors.ErrFatal, err)
	}
	if h.SkipIfAuthor && author == ec.PRAuthor {
		return nil
	}
	if !approved {
		return validationErr(TypePRApproved, fmt.Sprintf("PR #%d is not approved", ec.PRNumber))
	}
	return nil
}

func runCreatePR(ctx context.Context, h *CreatePRHook, ec ExecContext, deps Deps) (Result, error) {
	if deps.PR == nil {
		return Result{}, fmt.Errorf("%w: create_pr hook with no PR client configured", apperrors.ErrFatal)
	}
	title := h.Title
	if title == "" {
		title = "Issue " + ec.IssueID
	}
	number, url, err := deps.PR.Create(ctx, ec.Branch, title, h.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create_pr: %v", apperrors.ErrFatal, err)
	}
	return Result{PRNumber: &number, PRURL: &url}, nil
}

func runMergePR(ctx context.Context, ec ExecContext, deps Deps) error {
	if deps.PR == nil {
		return fmt.Errorf("%w: merge_pr hook with no PR client configured", apperrors.ErrFatal)
	}
	if ec.PRNumber == 0 {
		return fmt.Errorf("%w: merge_pr: issue has no open PR", apperrors.ErrFatal)
	}
	if err := deps.PR.Merge(ctx, ec.PRNumber); err != nil {
		return fmt.Errorf("%w: merge_pr: %v", apperrors.ErrFatal, err)
	}
	return nil
}

func runCleanupAgent(ctx context.Context, ec ExecContext, deps Deps) error {
	if deps.Agents == nil {
		return fmt.Errorf("%w: cleanup_agent hook with no agent controller configured", apperrors.ErrFatal)
	}
	return deps.Agents.CleanupAgent(ctx, ec.IssueID)
}

func runStartBlockedIssues(ctx context.Context, deps Deps) error {
	if deps.Agents == nil {
		return fmt.Errorf("%w: start_blocked_issues hook with no agent controller configured", apperrors.ErrFatal)
	}
	return deps.Agents.StartBlockedIssues(ctx)
}

func runRebaseOntoMain(ctx context.Context, ec ExecContext, deps Deps) (Result, error) {
	if deps.Git == nil {
		return Result{}, fmt.Errorf("%w: rebase_onto_main hook with no git ops configured", apperrors.ErrFatal)
	}
	conflict, err := deps.Git.RebaseOntoMain(ctx, ec.WorktreeDir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: rebase_onto_main: %v", apperrors.ErrFatal, err)
	}
	if conflict {
		needsPush := true
		return Result{NeedsPush: &needsPush}, nil
	}
	return Result{}, nil
}
