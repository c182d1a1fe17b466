// Package hooks implements the typed hook set described in the design: the
// operations that gate stage transitions (exit hooks) and that perform
// setup side effects when a stage is entered (enter hooks).
//
// Hooks are modeled as a tagged variant (Design Notes: "model as a tagged
// variant... unknown types = hard error at config load; do not perpetuate a
// generic map-of-anything style") — one concrete Go type per recognized
// hook type, all implementing the Hook interface, decoded from YAML by
// dispatching on the `type` field.
package hooks

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Type identifies which concrete Hook variant a record holds.
type Type string

const (
	TypeRun               Type = "run"
	TypeFileExists         Type = "file_exists"
	TypeSectionCheck       Type = "section_check"
	TypeFieldCheck         Type = "field_check"
	TypeCreateFile         Type = "create_file"
	TypeHasCommits         Type = "has_commits"
	TypeHasListItems       Type = "has_list_items"
	TypePRApproved         Type = "pr_approved"
	TypeCreatePR           Type = "create_pr"
	TypeMergePR            Type = "merge_pr"
	TypeCleanupAgent       Type = "cleanup_agent"
	TypeStartBlockedIssues Type = "start_blocked_issues"
	TypeRedirect           Type = "redirect"
	TypeRebaseOntoMain     Type = "rebase_onto_main"
)

// hostOnlyByDefault lists the types the design calls "implicitly host-only":
// they require credentials or side effects that never make sense inside a
// container, so they behave as host_only even when not explicitly marked.
var hostOnlyByDefault = map[Type]bool{
	TypeCreatePR:           true,
	TypeMergePR:            true,
	TypeCleanupAgent:       true,
	TypeStartBlockedIssues: true,
}

const (
	defaultRunTimeout   = 30 * time.Second
	defaultOtherTimeout = 5 * time.Second
)

// Base carries the fields every hook variant shares: optionality,
// host-only gating, and a per-hook timeout override.
type Base struct {
	OptionalFlag bool          `yaml:"optional,omitempty"`
	HostOnlyFlag bool          `yaml:"host_only,omitempty"`
	TimeoutS     float64       `yaml:"timeout_s,omitempty"`
	kind         Type          `yaml:"-"`
}

func (b Base) Kind() Type     { return b.kind }
func (b Base) Optional() bool { return b.OptionalFlag }
func (b Base) HostOnly() bool { return b.HostOnlyFlag || hostOnlyByDefault[b.kind] }
func (b Base) Timeout() time.Duration {
	if b.TimeoutS > 0 {
		return time.Duration(b.TimeoutS * float64(time.Second))
	}
	if b.kind == TypeRun {
		return defaultRunTimeout
	}
	return defaultOtherTimeout
}

// Hook is the common interface every recognized hook variant implements.
type Hook interface {
	Kind() Type
	Optional() bool
	HostOnly() bool
	Timeout() time.Duration
}

// RunHook executes a shell command; a non-zero exit is a ValidationError
// carrying stderr.
type RunHook struct {
	Base
	Command string            `yaml:"command"`
	Cwd     string            `yaml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// FileExistsHook asserts a file is present under the issue directory.
type FileExistsHook struct {
	Base
	File string `yaml:"file"`
}

// SectionCheckExpectation is the emptiness predicate section_check asserts.
type SectionCheckExpectation string

const (
	ExpectNotEmpty   SectionCheckExpectation = "not_empty"
	ExpectEmpty      SectionCheckExpectation = "empty"
	ExpectAllChecked SectionCheckExpectation = "all_checked"
)

// SectionCheckHook parses Markdown headings, selects the named section's
// body, and checks it against Expect.
type SectionCheckHook struct {
	Base
	File    string                  `yaml:"file"`
	Section string                  `yaml:"section"`
	Expect  SectionCheckExpectation `yaml:"expect"`
}

// FieldCheckHook locates a fenced YAML block in File, follows Path
// (dot-separated), and compares the resulting number against Min.
type FieldCheckHook struct {
	Base
	File string  `yaml:"file"`
	Path string  `yaml:"path"`
	Min  float64 `yaml:"min"`
}

// CreateFileHook renders Template into Dest if Dest does not already
// exist (enter-hook idempotence: never overwrites).
type CreateFileHook struct {
	Base
	Template string `yaml:"template"`
	Dest     string `yaml:"dest"`
}

// HasCommitsHook asserts the issue's worktree branch has unpushed commits.
type HasCommitsHook struct {
	Base
}

// HasListItemsHook asserts a Markdown section contains at least one list item.
type HasListItemsHook struct {
	Base
	File    string `yaml:"file"`
	Section string `yaml:"section"`
}

// PRApprovedHook queries GitHub for the issue's PR approval state.
type PRApprovedHook struct {
	Base
	SkipIfAuthor bool `yaml:"skip_if_author,omitempty"`
}

// CreatePRHook opens a PR from the issue's branch; host-only.
type CreatePRHook struct {
	Base
	Title string `yaml:"title,omitempty"`
	Body  string `yaml:"body,omitempty"`
}

// MergePRHook merges the issue's PR; host-only.
type MergePRHook struct {
	Base
}

// CleanupAgentHook invokes the canonical stop for the issue's agents; host-only.
type CleanupAgentHook struct {
	Base
}

// StartBlockedIssuesHook starts agents for any backlog issue whose
// dependencies are now met; host-only.
type StartBlockedIssuesHook struct {
	Base
}

// RedirectHook unwinds the current transition to retry against a
// different target dot-path.
type RedirectHook struct {
	Base
	To     string `yaml:"to"`
	Reason string `yaml:"reason,omitempty"`
}

// RebaseOntoMainHook fetches main and rebases the issue branch onto it;
// on conflict the caller decides between redirecting and failing.
type RebaseOntoMainHook struct {
	Base
}

// raw is the decode-time shape every hook YAML node is first parsed into,
// before being dispatched to its concrete variant by Type.
type raw struct {
	Type         Type              `yaml:"type"`
	Optional     bool              `yaml:"optional,omitempty"`
	HostOnly     bool              `yaml:"host_only,omitempty"`
	TimeoutS     float64           `yaml:"timeout_s,omitempty"`
	Command      string            `yaml:"command,omitempty"`
	Cwd          string            `yaml:"cwd,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	File         string            `yaml:"file,omitempty"`
	Section      string            `yaml:"section,omitempty"`
	Expect       string            `yaml:"expect,omitempty"`
	Path         string            `yaml:"path,omitempty"`
	Min          float64           `yaml:"min,omitempty"`
	Template     string            `yaml:"template,omitempty"`
	Dest         string            `yaml:"dest,omitempty"`
	SkipIfAuthor bool              `yaml:"skip_if_author,omitempty"`
	Title        string            `yaml:"title,omitempty"`
	Body         string            `yaml:"body,omitempty"`
	To           string            `yaml:"to,omitempty"`
	Reason       string            `yaml:"reason,omitempty"`
}

// DecodeHook decodes a single YAML hook node into its concrete variant.
// Unknown types are a hard error, per Design Notes.
func DecodeHook(node *yaml.Node) (Hook, error) {
	var r raw
	if err := node.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode hook: %w", err)
	}
	base := Base{OptionalFlag: r.Optional, HostOnlyFlag: r.HostOnly, TimeoutS: r.TimeoutS, kind: r.Type}

	switch r.Type {
	case TypeRun:
		return &RunHook{Base: base, Command: r.Command, Cwd: r.Cwd, Env: r.Env}, nil
	case TypeFileExists:
		return &FileExistsHook{Base: base, File: r.File}, nil
	case TypeSectionCheck:
		return &SectionCheckHook{Base: base, File: r.File, Section: r.Section, Expect: SectionCheckExpectation(r.Expect)}, nil
	case TypeFieldCheck:
		return &FieldCheckHook{Base: base, File: r.File, Path: r.Path, Min: r.Min}, nil
	case TypeCreateFile:
		return &CreateFileHook{Base: base, Template: r.Template, Dest: r.Dest}, nil
	case TypeHasCommits:
		return &HasCommitsHook{Base: base}, nil
	case TypeHasListItems:
		return &HasListItemsHook{Base: base, File: r.File, Section: r.Section}, nil
	case TypePRApproved:
		return &PRApprovedHook{Base: base, SkipIfAuthor: r.SkipIfAuthor}, nil
	case TypeCreatePR:
		return &CreatePRHook{Base: base, Title: r.Title, Body: r.Body}, nil
	case TypeMergePR:
		return &MergePRHook{Base: base}, nil
	case TypeCleanupAgent:
		return &CleanupAgentHook{Base: base}, nil
	case TypeStartBlockedIssues:
		return &StartBlockedIssuesHook{Base: base}, nil
	case TypeRedirect:
		return &RedirectHook{Base: base, To: r.To, Reason: r.Reason}, nil
	case TypeRebaseOntoMain:
		return &RebaseOntoMainHook{Base: base}, nil
	default:
		return nil, fmt.Errorf("unrecognized hook type %q", r.Type)
	}
}

// DecodeList decodes a YAML sequence node of hooks into a []Hook.
func DecodeList(node *yaml.Node) ([]Hook, error) {
	if node == nil {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("expected a list of hooks, got %v", node.Kind)
	}
	out := make([]Hook, 0, len(node.Content))
	for _, child := range node.Content {
		h, err := DecodeHook(child)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
