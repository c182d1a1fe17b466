package ghdriver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeGH writes an executable shell script named "gh" into a temp dir and
// prepends that dir to PATH for the duration of the test, so Client.run
// (which always execs the literal "gh" binary) drives our script instead
// of a real gh CLI.
func fakeGH(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake gh script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "gh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestEnsureGHCLI_SucceedsWhenAuthenticated(t *testing.T) {
	fakeGH(t, `exit 0`)
	if err := EnsureGHCLI(context.Background()); err != nil {
		t.Errorf("EnsureGHCLI: %v", err)
	}
}

func TestEnsureGHCLI_ReportsNotAuthenticated(t *testing.T) {
	fakeGH(t, `echo "You are not logged into any GitHub hosts" >&2; exit 1`)
	err := EnsureGHCLI(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestCreate_ParsesPRNumberFromURL(t *testing.T) {
	fakeGH(t, `echo "https://github.com/acme/widgets/pull/42"`)
	c := Client{Dir: t.TempDir()}
	number, url, err := c.Create(context.Background(), "issue-042", "fix things", "body")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if number != 42 {
		t.Errorf("number = %d, want 42", number)
	}
	if url != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("url = %q", url)
	}
}

func TestApprovalStatus_ParsesReviewDecision(t *testing.T) {
	fakeGH(t, `echo '{"author":{"login":"octocat"},"reviewDecision":"APPROVED"}'`)
	c := Client{Dir: t.TempDir()}
	approved, author, err := c.ApprovalStatus(context.Background(), 42)
	if err != nil {
		t.Fatalf("ApprovalStatus: %v", err)
	}
	if !approved {
		t.Error("expected approved=true")
	}
	if author != "octocat" {
		t.Errorf("author = %q, want octocat", author)
	}
}

func TestApprovalStatus_NotApprovedWhenReviewDecisionEmpty(t *testing.T) {
	fakeGH(t, `echo '{"author":{"login":"octocat"},"reviewDecision":""}'`)
	c := Client{Dir: t.TempDir()}
	approved, _, err := c.ApprovalStatus(context.Background(), 42)
	if err != nil {
		t.Fatalf("ApprovalStatus: %v", err)
	}
	if approved {
		t.Error("expected approved=false for an empty review decision")
	}
}

func TestIsMerged_TrueWhenStateMerged(t *testing.T) {
	fakeGH(t, `echo '{"state":"MERGED"}'`)
	c := Client{Dir: t.TempDir()}
	merged, err := c.IsMerged(context.Background(), 42)
	if err != nil {
		t.Fatalf("IsMerged: %v", err)
	}
	if !merged {
		t.Error("expected merged=true")
	}
}

func TestIsMerged_FalseWhenStateOpen(t *testing.T) {
	fakeGH(t, `echo '{"state":"OPEN"}'`)
	c := Client{Dir: t.TempDir()}
	merged, err := c.IsMerged(context.Background(), 42)
	if err != nil {
		t.Fatalf("IsMerged: %v", err)
	}
	if merged {
		t.Error("expected merged=false")
	}
}

func TestMonitorPRAndAutoMerge_MergesWhenChecksAndApprovalPass(t *testing.T) {
	fakeGH(t, `
case "$2" in
  checks) echo '[{"state":"SUCCESS"}]' ;;
  view) echo '{"author":{"login":"octocat"},"reviewDecision":"APPROVED"}' ;;
  merge) exit 0 ;;
esac
`)
	c := Client{Dir: t.TempDir()}
	if err := c.MonitorPRAndAutoMerge(context.Background(), 42, true, 2*time.Second); err != nil {
		t.Errorf("MonitorPRAndAutoMerge: %v", err)
	}
}

func TestMonitorPRAndAutoMerge_FailsWhenChecksNeverPass(t *testing.T) {
	fakeGH(t, `
case "$2" in
  checks) echo '[{"state":"FAILURE"}]' ;;
  *) exit 0 ;;
esac
`)
	c := Client{Dir: t.TempDir()}
	if err := c.MonitorPRAndAutoMerge(context.Background(), 42, false, 1*time.Millisecond); err == nil {
		t.Error("expected an error when checks never pass within max_wait")
	}
}
