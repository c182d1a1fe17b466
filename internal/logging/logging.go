// Package logging provides the injected print sink used throughout
// agenttree: plain fmt.Fprintf calls against a writer, no structured
// logging library, a verbose flag gating Verbosef. The sink
// is injected rather than a package-level global (Design Notes: "replace
// global console state with an injected sink") so tests can capture
// output and concurrent commands don't share mutable package state.
package logging

import (
	"fmt"
	"io"
	"os"
)

// Logger writes operator-facing output to an injected writer.
type Logger struct {
	out     io.Writer
	verbose bool
}

// New returns a Logger writing to w. A nil w defaults to os.Stdout.
func New(w io.Writer, verbose bool) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{out: w, verbose: verbose}
}

// Printf writes unconditionally.
func (l *Logger) Printf(format string, args ...any) {
	fmt.Fprintf(l.out, format, args...)
}

// Verbosef writes only when the logger was constructed with verbose=true.
func (l *Logger) Verbosef(format string, args ...any) {
	if l.verbose {
		fmt.Fprintf(l.out, format, args...)
	}
}

// Warnf prefixes a warning with "Warning: " — kept as one helper here so
// every caller gets the same prefix instead of retyping it.
func (l *Logger) Warnf(format string, args ...any) {
	fmt.Fprintf(l.out, "Warning: "+format, args...)
}

// SetVerbose updates the verbosity gate after construction.
func (l *Logger) SetVerbose(v bool) { l.verbose = v }
