// Package tmux drives the terminal multiplexer sessions that back each
// running agent. Sessions must survive this process restarting (a human
// can `tmux attach` independently, and "active agent" is defined as a
// derived view over live sessions, not a persisted fact), which rules
// out driving a PTY in-process the way an in-process agent-tui engine
// would — that ties a child process's lifetime to the parent. This
// package instead shells out to the real tmux binary, the same way
// internal/worktree shells out to git: exec.CommandContext,
// CombinedOutput, stderr-substring classification where tmux gives no
// better signal. Command-name resolution follows a flag/env/config/
// default precedence, scaled down to the single field this package owns.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const DefaultCommand = "tmux"

var ErrNoSession = errors.New("multiplexer session does not exist")

// Driver shells out to a tmux binary. The zero value uses DefaultCommand.
type Driver struct {
	Command string
}

func (d Driver) command() string {
	if d.Command == "" {
		return DefaultCommand
	}
	return d.Command
}

func (d Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.command(), args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// CreateSession implements create_session(name, cwd, start_command?). If a
// session by that name already exists, it is left untouched (idempotent,
// matching the manager's periodic-scan idempotency requirement).
func (d Driver) CreateSession(ctx context.Context, name, cwd string, startCommand []string) error {
	if ok, err := d.SessionExists(ctx, name); err != nil {
		return err
	} else if ok {
		return nil
	}
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, startCommand...)
	if out, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("tmux new-session %s: %w (%s)", name, err, strings.TrimSpace(out))
	}
	return nil
}

// KillSession implements kill_session(name), tolerant of a session that is
// already gone.
func (d Driver) KillSession(ctx context.Context, name string) error {
	out, err := d.run(ctx, "kill-session", "-t", name)
	if err != nil && !strings.Contains(out, "session not found") {
		return fmt.Errorf("tmux kill-session %s: %w (%s)", name, err, strings.TrimSpace(out))
	}
	return nil
}

// SessionExists implements session_exists(name).
func (d Driver) SessionExists(ctx context.Context, name string) (bool, error) {
	out, err := d.run(ctx, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	if strings.Contains(out, "session not found") || strings.Contains(out, "can't find session") {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session %s: %w (%s)", name, err, strings.TrimSpace(out))
}

// SessionInfo is one row of list_sessions().
type SessionInfo struct {
	Name string
	Windows int
	Attached bool
}

// ListSessions implements list_sessions() -> [{name, windows, attached}].
// An empty tmux server (no sessions at all) is not an error.
func (d Driver) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_windows}\t#{session_attached}")
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(out, "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w (%s)", err, strings.TrimSpace(out))
	}
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		windows, _ := strconv.Atoi(fields[1])
		sessions = append(sessions, SessionInfo{
			Name: fields[0],
			Windows: windows,
			Attached: fields[2] == "1",
		})
	}
	return sessions, nil
}

// SendKeys implements the send_keys contract: if interrupt is set, send
// C-c first; send text literally (no shell interpretation, no
// word-splitting — tmux's -l flag); if submit is set, wait 100ms then send
// a bare Enter as a separate key so tmux doesn't interpret it as part of
// the literal payload.
func (d Driver) SendKeys(ctx context.Context, name, text string, submit, interrupt bool) error {
	if interrupt {
		if out, err := d.run(ctx, "send-keys", "-t", name, "C-c"); err != nil {
			return fmt.Errorf("tmux send-keys C-c %s: %w (%s)", name, err, strings.TrimSpace(out))
		}
	}
	if out, err := d.run(ctx, "send-keys", "-t", name, "-l", "--", text); err != nil {
		return fmt.Errorf("tmux send-keys %s: %w (%s)", name, err, strings.TrimSpace(out))
	}
	if submit {
		time.Sleep(100 * time.Millisecond)
		if out, err := d.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
			return fmt.Errorf("tmux send-keys Enter %s: %w (%s)", name, err, strings.TrimSpace(out))
		}
	}
	return nil
}

// CapturePane implements capture_pane(name, lines). lines > 0 starts the
// capture that many lines back in the scrollback, 0 captures the visible
// pane only, and a negative value captures the whole scrollback history.
func (d Driver) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-t", name, "-p"}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	} else if lines < 0 {
		args = append(args, "-S", "-")
	}
	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w (%s)", name, err, strings.TrimSpace(out))
	}
	return out, nil
}

// WaitForPrompt polls the pane until its last non-blank line ends with
// promptChar, or timeout elapses. A small poll loop over pane text, per the
// cooperative-restart design note in the design — no async/await needed,
// platform-independent.
func (d Driver) WaitForPrompt(ctx context.Context, name string, promptChar string, timeout, poll time.Duration) (bool, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		pane, err := d.CapturePane(ctx, name, 0)
		if err != nil {
			return false, err
		}
		if lastNonBlankLineEndsWith(pane, promptChar) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func lastNonBlankLineEndsWith(pane, suffix string) bool {
	lines := strings.Split(strings.TrimRight(pane, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimRight(lines[i], " \t")
		if trimmed == "" {
			continue
		}
		return strings.HasSuffix(trimmed, suffix)
	}
	return false
}

// SaveHistoryToFile implements save_history_to_file(name, path, stage): the
// scrollback-capture step of the design, appending a stage header so
// repeated captures into the same file stay attributable.
func (d Driver) SaveHistoryToFile(ctx context.Context, name, path, stage string) error {
	pane, err := d.CapturePane(ctx, name, -1)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file %s: %w", path, err)
	}
	defer f.Close()
	header := fmt.Sprintf("--- %s (%s) ---\n", stage, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(header + pane); err != nil {
		return fmt.Errorf("write history file %s: %w", path, err)
	}
	return nil
}

// SendResult is the outcome enum send_message returns, letting callers
// trigger an automatic restart-then-retry on ToolExited.
type SendResult int

const (
	SendSent SendResult = iota
	SendNoSession
	SendToolExited
	SendError
)

// SendMessage wraps SendKeys with the no_session/tool_exited checks a
// restartable multiplexer session needs. checkToolRunning is supplied by
// the caller (internal/agent knows how to tell "container's tool process
// is still alive" from a pane capture or container inspect; this package
// only drives tmux).
func (d Driver) SendMessage(ctx context.Context, name, text string, interrupt bool, checkToolRunning func(pane string) bool) (SendResult, error) {
	exists, err := d.SessionExists(ctx, name)
	if err != nil {
		return SendError, err
	}
	if !exists {
		return SendNoSession, nil
	}
	if checkToolRunning != nil {
		pane, err := d.CapturePane(ctx, name, 0)
		if err != nil {
			return SendError, err
		}
		if !checkToolRunning(pane) {
			return SendToolExited, nil
		}
	}
	if err := d.SendKeys(ctx, name, text, true, interrupt); err != nil {
		return SendError, err
	}
	return SendSent, nil
}
