package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintf_AlwaysWrites(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Printf("hello %s\n", "world")
	if got := buf.String(); got != "hello world\n" {
		t.Errorf("Printf output = %q", got)
	}
}

func TestVerbosef_SuppressedWhenNotVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Verbosef("debug: %d\n", 42)
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestVerbosef_WritesWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.Verbosef("debug: %d\n", 42)
	if got := buf.String(); got != "debug: 42\n" {
		t.Errorf("Verbosef output = %q", got)
	}
}

func TestWarnf_PrefixesWarning(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Warnf("something happened: %v\n", "boom")
	if got := buf.String(); !strings.HasPrefix(got, "Warning: ") {
		t.Errorf("Warnf output = %q, want Warning: prefix", got)
	}
}

func TestSetVerbose_TogglesGate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.SetVerbose(true)
	l.Verbosef("now on\n")
	if buf.String() != "now on\n" {
		t.Errorf("expected Verbosef to write after SetVerbose(true), got %q", buf.String())
	}
}

func TestNew_DefaultsToStdoutWhenNilWriter(t *testing.T) {
	l := New(nil, false)
	if l.out == nil {
		t.Error("expected New(nil, false) to default out to os.Stdout")
	}
}
