package tmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var sessionCounter int64

// uniqueName avoids collisions between test runs and parallel packages
// sharing the same tmux server.
func uniqueName(t *testing.T) string {
	t.Helper()
	n := atomic.AddInt64(&sessionCounter, 1)
	return fmt.Sprintf("agenttree-test-%d-%d", os.Getpid(), n)
}

func newDriver() Driver { return Driver{} }

func cleanupSession(t *testing.T, d Driver, name string) {
	t.Helper()
	t.Cleanup(func() {
		_ = d.KillSession(context.Background(), name)
	})
}

func TestCreateSession_IsIdempotent(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession (second call): %v", err)
	}
	exists, err := d.SessionExists(ctx, name)
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if !exists {
		t.Error("expected session to exist after CreateSession")
	}
}

func TestSessionExists_FalseForUnknownSession(t *testing.T) {
	d := newDriver()
	exists, err := d.SessionExists(context.Background(), uniqueName(t))
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if exists {
		t.Error("expected false for a session that was never created")
	}
}

func TestKillSession_ToleratesMissingSession(t *testing.T) {
	d := newDriver()
	if err := d.KillSession(context.Background(), uniqueName(t)); err != nil {
		t.Errorf("KillSession on missing session returned error: %v", err)
	}
}

func TestListSessions_IncludesCreatedSession(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sessions, err := d.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	var found bool
	for _, s := range sessions {
		if s.Name == name {
			found = true
			if s.Windows < 1 {
				t.Errorf("expected at least one window, got %d", s.Windows)
			}
		}
	}
	if !found {
		t.Errorf("expected %q among sessions %+v", name, sessions)
	}
}

func TestSendKeysAndCapturePane_LiteralTextNoShellInterpretation(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// A string containing shell metacharacters must appear verbatim in the
	// pane once echoed back, not be interpreted by the shell running inside
	// the pane.
	payload := `echo 'hi $USER && ls; rm -rf /'`
	if err := d.SendKeys(ctx, name, payload, true, false); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	pane, err := d.CapturePane(ctx, name, 0)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if !strings.Contains(pane, payload) {
		t.Errorf("expected pane to contain literal payload %q, got:\n%s", payload, pane)
	}
}

func TestWaitForPrompt_TimesOutWhenPromptNeverAppears(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ok, err := d.WaitForPrompt(ctx, name, "☛unlikely-prompt-glyph☛", 300*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForPrompt: %v", err)
	}
	if ok {
		t.Error("expected WaitForPrompt to time out for a glyph that never appears")
	}
}

func TestSaveHistoryToFile_WritesPaneContent(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := d.SendKeys(ctx, name, "echo agenttree-history-marker", true, false); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	dest := filepath.Join(t.TempDir(), "tmux_history.log")
	if err := d.SaveHistoryToFile(ctx, name, dest, "implement.code"); err != nil {
		t.Fatalf("SaveHistoryToFile: %v", err)
	}
	content, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), "implement.code") {
		t.Errorf("expected stage header in history file, got:\n%s", content)
	}
	if !strings.Contains(string(content), "agenttree-history-marker") {
		t.Errorf("expected pane content in history file, got:\n%s", content)
	}
}

func TestSendMessage_NoSessionReportedDistinctly(t *testing.T) {
	d := newDriver()
	result, err := d.SendMessage(context.Background(), uniqueName(t), "hello", false, nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendNoSession {
		t.Errorf("SendMessage result = %v, want SendNoSession", result)
	}
}

func TestSendMessage_ToolExitedWhenCheckFails(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	result, err := d.SendMessage(ctx, name, "hello", false, func(pane string) bool { return false })
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendToolExited {
		t.Errorf("SendMessage result = %v, want SendToolExited", result)
	}
}

func TestSendMessage_SentWhenSessionAndToolAlive(t *testing.T) {
	d := newDriver()
	ctx := context.Background()
	name := uniqueName(t)
	cleanupSession(t, d, name)

	if err := d.CreateSession(ctx, name, "", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	result, err := d.SendMessage(ctx, name, "echo hi", false, func(pane string) bool { return true })
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendSent {
		t.Errorf("SendMessage result = %v, want SendSent", result)
	}
}
