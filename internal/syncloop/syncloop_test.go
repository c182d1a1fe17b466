package syncloop

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenttree/agenttree/internal/issuestore"
)

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
}

// initStoreWithRemote creates a bare remote plus a clone configured as a
// sidecar store repository, matching how internal/issuestore's root
// directory is expected to be wired to git in production.
func initStoreWithRemote(t *testing.T) (storePath string) {
	t.Helper()
	remote := t.TempDir()
	runGitT(t, remote, "init", "--bare", "-b", "main")

	store := t.TempDir()
	runGitT(t, store, "clone", remote, ".")
	runGitT(t, store, "config", "user.email", "test@example.com")
	runGitT(t, store, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(store, "README.md"), []byte("# store\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitT(t, store, "add", "README.md")
	runGitT(t, store, "commit", "-m", "initial")
	runGitT(t, store, "push", "origin", "main")
	return store
}

func TestSync_ReturnsFalseInContainer(t *testing.T) {
	store := initStoreWithRemote(t)
	e := &Engine{StorePath: store, Issues: issuestore.New(t.TempDir()), InContainer: func() bool { return true }}
	ok, err := e.Sync(context.Background(), false, "")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ok {
		t.Error("expected Sync to short-circuit false inside a container")
	}
}

func TestSync_ReturnsFalseWithoutGitDir(t *testing.T) {
	e := &Engine{StorePath: t.TempDir(), Issues: issuestore.New(t.TempDir()), InContainer: func() bool { return false }}
	ok, err := e.Sync(context.Background(), false, "")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ok {
		t.Error("expected Sync to return false when .git is missing")
	}
}

func TestSync_CommitsAndPushesDirtyStore(t *testing.T) {
	store := initStoreWithRemote(t)
	if err := os.WriteFile(filepath.Join(store, "issue.yaml"), []byte("stage: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &Engine{StorePath: store, Issues: issuestore.New(t.TempDir()), InContainer: func() bool { return false }}
	ok, err := e.Sync(context.Background(), false, "test commit")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !ok {
		t.Error("expected Sync to succeed")
	}

	out, err := exec.Command("git", "-C", store, "status", "--porcelain").CombinedOutput()
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	if strings.TrimSpace(string(out)) != "" {
		t.Errorf("expected a clean tree after sync, got:\n%s", out)
	}

	log, err := exec.Command("git", "-C", store, "log", "-1", "--pretty=%s").CombinedOutput()
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if strings.TrimSpace(string(log)) != "test commit" {
		t.Errorf("commit message = %q, want %q", strings.TrimSpace(string(log)), "test commit")
	}
}

func TestSync_PullOnlyDoesNotPush(t *testing.T) {
	store := initStoreWithRemote(t)
	if err := os.WriteFile(filepath.Join(store, "issue.yaml"), []byte("stage: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &Engine{StorePath: store, Issues: issuestore.New(t.TempDir()), InContainer: func() bool { return false }}
	ok, err := e.Sync(context.Background(), true, "local only")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !ok {
		t.Error("expected Sync(pull_only) to report success")
	}
	// The commit should exist locally but never have reached the remote.
	out, err := exec.Command("git", "-C", store, "log", "origin/main..HEAD", "--oneline").CombinedOutput()
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		t.Error("expected the local commit to still be ahead of origin/main after a pull-only sync")
	}
}

func TestPushPendingBranches_ClearsNeedsPushOnSuccess(t *testing.T) {
	remote := t.TempDir()
	runGitT(t, remote, "init", "--bare", "-b", "main")
	repo := t.TempDir()
	runGitT(t, repo, "clone", remote, ".")
	runGitT(t, repo, "config", "user.email", "test@example.com")
	runGitT(t, repo, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitT(t, repo, "add", "README.md")
	runGitT(t, repo, "commit", "-m", "initial")
	runGitT(t, repo, "push", "origin", "main")

	wt := filepath.Join(t.TempDir(), "wt")
	runGitT(t, repo, "worktree", "add", "-b", "issue-001", wt)

	issues := issuestore.New(t.TempDir())
	issue, err := issues.Create(issuestore.CreateParams{Title: "demo", Priority: issuestore.PriorityMedium, Flow: "main", Stage: "implement"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := issues.UpdateMetadata("1", func(i *issuestore.Issue) {
		i.NeedsPush = true
		i.Branch = "issue-001"
		i.WorktreeDir = wt
	}); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
	_ = issue

	e := &Engine{StorePath: repo, Issues: issues}
	if err := e.PushPendingBranches(context.Background()); err != nil {
		t.Fatalf("PushPendingBranches: %v", err)
	}

	updated, err := issues.Get("1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.NeedsPush {
		t.Error("expected needs_push cleared after a successful push")
	}

	out, err := exec.Command("git", "-C", remote, "branch", "--list", "issue-001").CombinedOutput()
	if err != nil {
		t.Fatalf("git branch --list: %v", err)
	}
	if !strings.Contains(string(out), "issue-001") {
		t.Error("expected issue-001 pushed to the bare remote")
	}
}
