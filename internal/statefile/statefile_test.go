package statefile

import (
	"path/filepath"
	"testing"
)

func TestStateKey(t *testing.T) {
	if got := StateKey("007", "developer"); got != "007:developer" {
		t.Errorf("StateKey = %q", got)
	}
}

func TestFile_RegisterAndReadBack(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))
	if err := f.RegisterContainer("001", "developer", "container-abc"); err != nil {
		t.Fatalf("RegisterContainer: %v", err)
	}
	id, ok, err := f.ContainerID("001", "developer")
	if err != nil {
		t.Fatalf("ContainerID: %v", err)
	}
	if !ok || id != "container-abc" {
		t.Fatalf("ContainerID = %q, %v, want container-abc, true", id, ok)
	}
}

func TestFile_MissingKeyNotFound(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))
	_, ok, err := f.ContainerID("999", "developer")
	if err != nil {
		t.Fatalf("ContainerID: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unregistered key")
	}
}

func TestFile_Unregister(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))
	if err := f.RegisterContainer("001", "developer", "container-abc"); err != nil {
		t.Fatalf("RegisterContainer: %v", err)
	}
	if err := f.Unregister("001", "developer"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	_, ok, err := f.ContainerID("001", "developer")
	if err != nil {
		t.Fatalf("ContainerID: %v", err)
	}
	if ok {
		t.Error("expected key to be gone after Unregister")
	}
}

func TestFile_PersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := New(path).RegisterContainer("002", "planner", "container-xyz"); err != nil {
		t.Fatalf("RegisterContainer: %v", err)
	}
	id, ok, err := New(path).ContainerID("002", "planner")
	if err != nil {
		t.Fatalf("ContainerID: %v", err)
	}
	if !ok || id != "container-xyz" {
		t.Fatalf("ContainerID via fresh handle = %q, %v", id, ok)
	}
}
