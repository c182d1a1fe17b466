// Package session implements the per-issue restart-tracker: one file per
// issue recording when the agent was created and at
// which stage it last oriented, used to tell a genuine advance from an
// operator restarting an already-running agent.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Session is the on-disk record for one issue's active agent.
type Session struct {
	IssueID string `yaml:"issue_id"`
	CreatedAt time.Time `yaml:"created_at"`
	OrientedAt string `yaml:"oriented_at_stage,omitempty"`
}

// Store manages session files under <root>/sessions/<paddedID>.yaml.
type Store struct {
	root string
}

// New returns a Store rooted at root (typically <store>/sessions).
func New(root string) *Store { return &Store{root: root} }

func (s *Store) path(paddedID string) string {
	return filepath.Join(s.root, paddedID+".yaml")
}

// Create starts a new session for an issue, overwriting any prior one.
func (s *Store) Create(paddedID string) (*Session, error) {
	sess := &Session{IssueID: paddedID, CreatedAt: time.Now().UTC()}
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads an issue's session, if one exists.
func (s *Store) Get(paddedID string) (*Session, bool, error) {
	data, err := os.ReadFile(s.path(paddedID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read session %s: %w", paddedID, err)
	}
	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, false, fmt.Errorf("parse session %s: %w", paddedID, err)
	}
	return &sess, true, nil
}

// Delete removes an issue's session file; called on rollback and shutdown.
func (s *Store) Delete(paddedID string) error {
	err := os.Remove(s.path(paddedID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", paddedID, err)
	}
	return nil
}

// IsRestart reports whether invoking `next` at currentStage represents an
// operator restart (the session last oriented at a different stage) and
// advances OrientedAt to currentStage either way.
func (s *Store) IsRestart(paddedID, currentStage string) (restart bool, err error) {
	sess, ok, err := s.Get(paddedID)
	if err != nil {
		return false, err
	}
	if !ok {
		sess, err = s.Create(paddedID)
		if err != nil {
			return false, err
		}
	}
	restart = sess.OrientedAt != "" && sess.OrientedAt != currentStage
	sess.OrientedAt = currentStage
	if err := s.write(sess); err != nil {
		return false, err
	}
	return restart, nil
}

func (s *Store) write(sess *Session) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	path := s.path(sess.IssueID)
	tmp, err := os.CreateTemp(s.root, ".tmp-session-")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
