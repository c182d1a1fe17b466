package tmux

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// PtyDriver is a fallback for the narrow agent.Driver surface
// (CreateSession/KillSession/SessionExists/WaitForPrompt) used when the
// real tmux binary isn't on PATH. Unlike Driver, a PtyDriver session does
// not survive this process exiting or restarting — the package doc's
// "a human can attach independently" property does not hold here, which
// is exactly why Driver remains the default and this is only a fallback
// for environments (CI containers, minimal sandboxes) that never expect a
// human to attach anyway.
type PtyDriver struct {
	mu       sync.Mutex
	sessions map[string]*ptySession
}

type ptySession struct {
	cmd *exec.Cmd
	f   *os.File
	buf bytes.Buffer
}

func (d *PtyDriver) ensure() {
	if d.sessions == nil {
		d.sessions = map[string]*ptySession{}
	}
}

// CreateSession starts startCommand under a pty in cwd, tracked under
// name. A session that already exists is left untouched, matching
// Driver.CreateSession's idempotency.
func (d *PtyDriver) CreateSession(ctx context.Context, name, cwd string, startCommand []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensure()
	if _, ok := d.sessions[name]; ok {
		return nil
	}
	if len(startCommand) == 0 {
		return nil
	}
	cmd := exec.Command(startCommand[0], startCommand[1:]...)
	cmd.Dir = cwd
	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	sess := &ptySession{cmd: cmd, f: f}
	d.sessions[name] = sess
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				d.mu.Lock()
				sess.buf.Write(buf[:n])
				d.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// KillSession terminates the tracked process and closes its pty.
func (d *PtyDriver) KillSession(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[name]
	if !ok {
		return nil
	}
	delete(d.sessions, name)
	_ = sess.f.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	return nil
}

// SessionExists reports whether name is currently tracked.
func (d *PtyDriver) SessionExists(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[name]
	return ok, nil
}

// WaitForPrompt polls the session's captured output for a line ending in
// promptChar, the same contract Driver.WaitForPrompt implements.
func (d *PtyDriver) WaitForPrompt(ctx context.Context, name, promptChar string, timeout, poll time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		sess, ok := d.sessions[name]
		var pane string
		if ok {
			pane = sess.buf.String()
		}
		d.mu.Unlock()
		if ok && lastNonBlankLineEndsWith(pane, promptChar) {
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
