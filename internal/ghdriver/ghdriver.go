// Package ghdriver wraps the gh CLI for the PR lifecycle operations,
// implementing hooks.PRClient. Grounded on the gh-wrapping idiom in
// githubnext-gh-aw's pkg/workflow/github_cli.go: resolve
// a token via github.com/cli/go-gh/v2/pkg/auth and set it on the gh
// command's environment explicitly when it didn't come from GH_TOKEN
// already, rather than trusting gh's own ambient auth discovery — this
// package's caller runs gh against a specific worktree directory (not
// necessarily the process's own cwd), so gh's invoked as a plain
// exec.Command with cmd.Dir set, the same way internal/worktree shells
// out to git.
package ghdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cli/go-gh/v2/pkg/auth"
)

// DefaultTimeout is the per-call timeout the design requires when a
// caller doesn't supply its own context deadline.
const DefaultTimeout = 30 * time.Second

var ErrNotInstalled = errors.New("gh CLI is not installed")
var ErrNotAuthenticated = errors.New("gh CLI is not authenticated")

// Client wraps gh CLI invocations against one repository working
// directory (gh infers owner/repo from the git remote there).
type Client struct {
	Dir string
}

func (c Client) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.Dir
	if token, source := auth.TokenForHost("github.com"); token != "" && source != "GH_TOKEN" {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+token)
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err = cmd.Run()
	return out.String(), errOut.String(), err
}

// EnsureGHCLI implements ensure_gh_cli(): errors clearly if gh is missing
// or not authenticated.
func EnsureGHCLI(ctx context.Context) error {
	c := Client{}
	_, stderr, err := c.run(ctx, "auth", "status")
	if err == nil {
		return nil
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return ErrNotInstalled
	}
	if strings.Contains(stderr, "not logged") || strings.Contains(stderr, "not authenticated") || strings.Contains(stderr, "auth login") {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("gh auth status: %w (%s)", err, strings.TrimSpace(stderr))
}

// Create implements hooks.PRClient.Create / create_pull_request(branch,
// title, body).
func (c Client) Create(ctx context.Context, branch, title, body string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	stdout, stderr, err := c.run(ctx, "pr", "create", "--head", branch, "--title", title, "--body", body)
	if err != nil {
		return 0, "", fmt.Errorf("gh pr create: %w (%s)", err, strings.TrimSpace(stderr))
	}
	url := strings.TrimSpace(stdout)
	number, err := prNumberFromURL(url)
	if err != nil {
		return 0, url, err
	}
	return number, url, nil
}

// ApprovalStatus implements hooks.PRClient.ApprovalStatus /
// get_pr_approval_status(number).
func (c Client) ApprovalStatus(ctx context.Context, number int) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	stdout, stderr, err := c.run(ctx, "pr", "view", fmt.Sprint(number), "--json", "author,reviewDecision")
	if err != nil {
		return false, "", fmt.Errorf("gh pr view %d: %w (%s)", number, err, strings.TrimSpace(stderr))
	}
	var parsed struct {
		Author struct {
			Login string `json:"login"`
		} `json:"author"`
		ReviewDecision string `json:"reviewDecision"`
	}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return false, "", fmt.Errorf("parse gh pr view %d output: %w", number, err)
	}
	return parsed.ReviewDecision == "APPROVED", parsed.Author.Login, nil
}

// IsMerged reports whether a PR has already been merged, letting the
// manager's periodic scan notice a PR merged outside
// agenttree (e.g. by a human on github.com) and advance the issue.
func (c Client) IsMerged(ctx context.Context, number int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	stdout, stderr, err := c.run(ctx, "pr", "view", fmt.Sprint(number), "--json", "state")
	if err != nil {
		return false, fmt.Errorf("gh pr view %d: %w (%s)", number, err, strings.TrimSpace(stderr))
	}
	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return false, fmt.Errorf("parse gh pr view %d output: %w", number, err)
	}
	return parsed.State == "MERGED", nil
}

// Merge implements hooks.PRClient.Merge / merge_pr(number).
func (c Client) Merge(ctx context.Context, number int) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	_, stderr, err := c.run(ctx, "pr", "merge", fmt.Sprint(number), "--squash", "--delete-branch")
	if err != nil {
		return fmt.Errorf("gh pr merge %d: %w (%s)", number, err, strings.TrimSpace(stderr))
	}
	return nil
}

// checksStatus reports whether a PR's checks have all passed. No checks
// configured counts as passing.
func (c Client) checksStatus(ctx context.Context, number int) (passed bool, err error) {
	stdout, stderr, err := c.run(ctx, "pr", "checks", fmt.Sprint(number), "--json", "state")
	if err != nil {
		if strings.Contains(stderr, "no checks reported") {
			return true, nil
		}
		return false, fmt.Errorf("gh pr checks %d: %w (%s)", number, err, strings.TrimSpace(stderr))
	}
	var rows []struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		return false, fmt.Errorf("parse gh pr checks %d output: %w", number, err)
	}
	for _, r := range rows {
		if r.State != "SUCCESS" && r.State != "NEUTRAL" && r.State != "SKIPPED" {
			return false, nil
		}
	}
	return true, nil
}

// MonitorPRAndAutoMerge implements monitor_pr_and_auto_merge(number,
// require_approval?, max_wait): polls CI status and (if required)
// approval, merging once both conditions hold, or returning an error once
// max_wait elapses without merging.
func (c Client) MonitorPRAndAutoMerge(ctx context.Context, number int, requireApproval bool, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	const poll = 15 * time.Second
	for {
		checksOK, err := c.checksStatus(ctx, number)
		if err != nil {
			return err
		}
		approvalOK := true
		if requireApproval {
			approvalOK, _, err = c.ApprovalStatus(ctx, number)
			if err != nil {
				return err
			}
		}
		if checksOK && approvalOK {
			return c.Merge(ctx, number)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pr %d not mergeable within %s (checks_ok=%v approval_ok=%v)", number, maxWait, checksOK, approvalOK)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("cannot parse PR number from %q", url)
	}
	var n int
	if _, err := fmt.Sscanf(url[idx+1:], "%d", &n); err != nil {
		return 0, fmt.Errorf("cannot parse PR number from %q: %w", url, err)
	}
	return n, nil
}
