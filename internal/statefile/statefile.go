// Package statefile implements the advisory-locked container-ID map
// described below. It exists only because the Apple
// container runtime addresses containers by UUID, discovered
// asynchronously after `run` completes — Docker/Podman never need it
// since their containers are addressable by name. Grounded on
// state.py's state_lock/load_state/save_state functions.
package statefile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const lockTimeout = 5 * time.Second

// StateKey identifies one active agent slot, "<issueID>:<role>".
func StateKey(issueID, role string) string { return issueID + ":" + role }

// document is the on-disk YAML shape: active_agents maps a state key to
// the container ID the Apple runtime assigned it.
type document struct {
	ActiveAgents map[string]string `yaml:"active_agents"`
}

// File is a handle to one state.yaml sidecar, guarded by a sibling
// state.yaml.lock advisory lock file.
type File struct {
	path     string
	lockPath string
}

// New returns a File rooted at path (typically <store>/state.yaml).
func New(path string) *File {
	return &File{path: path, lockPath: path + ".lock"}
}

// withLock acquires the advisory lock, runs fn with the current document,
// and — unless fn returns an error — writes it back before releasing the
// lock. A
// lock that cannot be acquired within 5 seconds fails with a clear error.
func (f *File) withLock(fn func(*document) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := flock.New(f.lockPath)
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire state lock within %s", lockTimeout)
	}
	defer lock.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return f.write(doc)
}

func (f *File) read() (*document, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &document{ActiveAgents: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if doc.ActiveAgents == nil {
		doc.ActiveAgents = map[string]string{}
	}
	return &doc, nil
}

func (f *File) write(doc *document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}
	tmp, err := os.CreateTemp(dirOf(f.path), ".tmp-state-")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
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
	if err := os.Rename(tmpPath, f.path); err != nil {
		return err
	}
	success = true
	return nil
}

// RegisterContainer records the container ID discovered for a state key.
func (f *File) RegisterContainer(issueID, role, containerID string) error {
	return f.withLock(func(d *document) error {
		d.ActiveAgents[StateKey(issueID, role)] = containerID
		return nil
	})
}

// ContainerID returns the registered container ID for a state key, if any.
func (f *File) ContainerID(issueID, role string) (string, bool, error) {
	var id string
	var ok bool
	err := f.withLock(func(d *document) error {
		id, ok = d.ActiveAgents[StateKey(issueID, role)]
		return nil
	})
	return id, ok, err
}

// Unregister removes a state key, e.g. after the agent is stopped.
func (f *File) Unregister(issueID, role string) error {
	return f.withLock(func(d *document) error {
		delete(d.ActiveAgents, StateKey(issueID, role))
		return nil
	})
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
