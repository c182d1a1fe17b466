// Package issuestore implements the issue CRUD layer: one directory per
// issue under <store>/issues/<paddedID>-<slug>/, holding issue.yaml plus
// stage-output Markdown files. Every mutation acquires a process-wide
// ordering before reading issue.yaml, mutates in memory, and writes back
// atomically (temp file + rename in the same directory).
package issuestore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority is one of the four issue priority levels.
type Priority string

const (
	PriorityLow Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh Priority = "high"
	PriorityCritical Priority = "critical"
)

// Processing marks an issue as mid-transition, set by the workflow engine
// so a crash leaves a visible trace instead of a silently stuck issue.
type Processing string

const (
	ProcessingEntering Processing = "entering"
	ProcessingExiting Processing = "exiting"
)

// HistoryEntry records one stage change.
type HistoryEntry struct {
	Stage string `yaml:"stage"`
	Timestamp time.Time `yaml:"timestamp"`
	Type string `yaml:"type"` // "transition" | "rollback" | "defer" | "shutdown"
}

// Issue is the full issue.yaml document.
type Issue struct {
	ID int `yaml:"id"`
	Title string `yaml:"title"`
	Slug string `yaml:"slug"`
	Created time.Time `yaml:"created"`
	Updated time.Time `yaml:"updated"`
	Stage string `yaml:"stage"`
	Priority Priority `yaml:"priority"`
	Flow string `yaml:"flow"`
	Labels []string `yaml:"labels,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Branch string `yaml:"branch,omitempty"`
	WorktreeDir string `yaml:"worktree_dir,omitempty"`
	PRNumber *int `yaml:"pr_number,omitempty"`
	PRURL *string `yaml:"pr_url,omitempty"`
	GithubIssue *int `yaml:"github_issue,omitempty"`
	CIEscalated bool `yaml:"ci_escalated,omitempty"`
	Processing *Processing `yaml:"processing,omitempty"`
	NeedsPush bool `yaml:"needs_push,omitempty"`
	CustomAgentSpawned string `yaml:"custom_agent_spawned,omitempty"`
	History []HistoryEntry `yaml:"history,omitempty"`
}

const (
	issuesDirName = "issues"
	issueFileName = "issue.yaml"
	problemFile = "problem.md"
	maxSlugLen = 50
	slugWordBound = 30
)

var nonSlugChar = regexp.MustCompile(`[^\w\s-]`)
var slugWhitespace = regexp.MustCompile(`[\s_]+`)

// Slugify derives a URL-safe slug from a title: lowercase, strip
// everything but word characters/whitespace/hyphens, collapse runs of
// whitespace or underscores to a single hyphen, trim, cap at 50 runes.
// Grounded on the original Python's issues.py:slugify.
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = nonSlugChar.ReplaceAllString(s, "")
	s = slugWhitespace.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		s = "issue"
	}
	return s
}

// PaddedID zero-pads an issue ID to three digits, matching internal/naming.
func PaddedID(id int) string { return fmt.Sprintf("%03d", id) }

// NormalizeID strips leading zeros from a user- or dependency-supplied ID
// string and re-pads it, so "7", "007", and "07" all normalize the same.
func NormalizeID(raw string) (string, error) {
	n, err := strconv.Atoi(strings.TrimLeft(raw, "0"))
	if err != nil {
		if strings.Trim(raw, "0") == "" && raw != "" {
			return "000", nil
		}
		return "", fmt.Errorf("invalid issue id %q: %w", raw, err)
	}
	return PaddedID(n), nil
}

// Store is a CRUD layer over one <root>/issues/ directory tree.
type Store struct {
	root string
	mu sync.Mutex
}

// New returns a Store rooted at root (typically <repo>/_agenttree).
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) issuesDir() string { return filepath.Join(s.root, issuesDirName) }

// dirName returns the issue directory's leaf name, "<paddedID>-<slug>".
func dirName(paddedID, slug string) string {
	return paddedID + "-" + slug
}

// issueDirByPrefix finds the on-disk directory whose name starts with
// "<paddedID>-", returning its leaf name and the slug component.
func (s *Store) issueDirByPrefix(paddedID string) (dir, slug string, err error) {
	entries, err := os.ReadDir(s.issuesDir())
	if err != nil {
		return "", "", err
	}
	prefix := paddedID + "-"
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			return e.Name(), strings.TrimPrefix(e.Name(), prefix), nil
		}
	}
	return "", "", fmt.Errorf("issue %s not found", paddedID)
}

var leadingDigits = regexp.MustCompile(`^(\d+)-`)

// NextIssueNumber scans the issues directory for the highest padded
// numeric prefix and returns max+1, or 1 if no issues exist yet.
func (s *Store) NextIssueNumber() (int, error) {
	entries, err := os.ReadDir(s.issuesDir())
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := leadingDigits.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// uniqueSlug appends a numeric suffix to slug until it no longer collides
// with an existing issue directory.
func (s *Store) uniqueSlug(slug string) (string, error) {
	entries, err := os.ReadDir(s.issuesDir())
	if os.IsNotExist(err) {
		return slug, nil
	}
	if err != nil {
		return "", err
	}
	existing := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m := leadingDigits.FindStringSubmatch(e.Name()); m != nil {
			existing[strings.TrimPrefix(e.Name(), m[0])] = true
		}
	}
	candidate := slug
	for n := 2; existing[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", slug, n)
	}
	return candidate, nil
}

// CreateParams bundles the fields Create accepts beyond title/priority.
type CreateParams struct {
	Title string
	Priority Priority
	Problem string
	Flow string
	Stage string // written as given; Create applies no default
	Labels []string
	Dependencies []string
}

// Create allocates the next issue number, writes issue.yaml and
// problem.md, and returns the new Issue.
func (s *Store) Create(p CreateParams) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.issuesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create issues dir: %w", err)
	}

	id, err := s.NextIssueNumber()
	if err != nil {
		return nil, fmt.Errorf("allocate issue number: %w", err)
	}
	slug, err := s.uniqueSlug(Slugify(p.Title))
	if err != nil {
		return nil, err
	}

	deps, err := normalizeDeps(p.Dependencies)
	if err != nil {
		return nil, err
	}
	if err := s.checkCycle(PaddedID(id), deps); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	issue := &Issue{
		ID: id,
		Title: p.Title,
		Slug: slug,
		Created: now,
		Updated: now,
		Stage: p.Stage,
		Priority: p.Priority,
		Flow: p.Flow,
		Labels: p.Labels,
		Dependencies: deps,
	}

	dir := filepath.Join(s.issuesDir(), dirName(PaddedID(id), slug))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create issue dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, issueFileName), issue); err != nil {
		return nil, err
	}
	if p.Problem != "" {
		if err := os.WriteFile(filepath.Join(dir, problemFile), []byte(p.Problem), 0o644); err != nil {
			return nil, fmt.Errorf("write problem.md: %w", err)
		}
	}
	return issue, nil
}

// Get loads one issue by ID (accepts any zero-padding).
func (s *Store) Get(rawID string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(rawID)
}

func (s *Store) get(rawID string) (*Issue, error) {
	padded, err := NormalizeID(rawID)
	if err != nil {
		return nil, err
	}
	dir, _, err := s.issueDirByPrefix(padded)
	if err != nil {
		return nil, err
	}
	return s.readIssueFile(filepath.Join(s.issuesDir(), dir, issueFileName))
}

func (s *Store) readIssueFile(path string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := yaml.Unmarshal(data, &issue); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &issue, nil
}

// Dir returns the absolute path of an issue's directory (where issue.yaml
// and its stage-output Markdown files live).
func (s *Store) Dir(rawID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	padded, err := NormalizeID(rawID)
	if err != nil {
		return "", err
	}
	dir, _, err := s.issueDirByPrefix(padded)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.issuesDir(), dir), nil
}

// List returns every issue in the store, optionally filtered by stage
// and/or priority (empty string means "no filter").
func (s *Store) List(stage string, priority Priority) ([]*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.issuesDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Issue
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		issue, err := s.readIssueFile(filepath.Join(s.issuesDir(), e.Name(), issueFileName))
		if err != nil {
			continue
		}
		if stage != "" && issue.Stage != stage {
			continue
		}
		if priority != "" && issue.Priority != priority {
			continue
		}
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStage rewrites an issue's stage and appends a history entry.
func (s *Store) UpdateStage(rawID, dotPath, historyType string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, err := s.get(rawID)
	if err != nil {
		return nil, err
	}
	issue.Stage = dotPath
	issue.Updated = time.Now().UTC()
	issue.History = append(issue.History, HistoryEntry{
		Stage: dotPath,
		Timestamp: issue.Updated,
		Type: historyType,
	})
	if err := s.write(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// UpdateMetadata applies mutate to the in-memory issue and writes it back.
func (s *Store) UpdateMetadata(rawID string, mutate func(*Issue)) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, err := s.get(rawID)
	if err != nil {
		return nil, err
	}
	mutate(issue)
	issue.Updated = time.Now().UTC()
	if err := s.write(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// UpdatePriority is a thin convenience wrapper over UpdateMetadata.
func (s *Store) UpdatePriority(rawID string, priority Priority) (*Issue, error) {
	return s.UpdateMetadata(rawID, func(i *Issue) { i.Priority = priority })
}

// SetProcessing marks (or clears, when processing is nil) the issue's
// in-flight transition direction.
func (s *Store) SetProcessing(rawID string, processing *Processing) (*Issue, error) {
	return s.UpdateMetadata(rawID, func(i *Issue) { i.Processing = processing })
}

// RemoveDependency strips dep from an issue's dependency list.
func (s *Store) RemoveDependency(rawID, dep string) (*Issue, error) {
	depPadded, err := NormalizeID(dep)
	if err != nil {
		return nil, err
	}
	return s.UpdateMetadata(rawID, func(i *Issue) {
		filtered := i.Dependencies[:0]
		for _, d := range i.Dependencies {
			if d != depPadded {
				filtered = append(filtered, d)
			}
		}
		i.Dependencies = filtered
	})
}

func (s *Store) write(issue *Issue) error {
	dir, _, err := s.issueDirByPrefix(PaddedID(issue.ID))
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.issuesDir(), dir, issueFileName), issue)
}

// checkCycle builds an adjacency map from every existing issue's
// dependencies plus the proposed node's edges, then runs a DFS from
// selfID tracking a recursion-stack set; a revisited node yields the
// cycle path as an error. Grounded on issues.py's
// detect_circular_dependency.
func (s *Store) checkCycle(selfID string, deps []string) error {
	entries, err := os.ReadDir(s.issuesDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	adjacency := map[string][]string{selfID: deps}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		issue, err := s.readIssueFile(filepath.Join(s.issuesDir(), e.Name(), issueFileName))
		if err != nil {
			continue
		}
		adjacency[PaddedID(issue.ID)] = issue.Dependencies
	}

	var path []string
	onStack := map[string]bool{}
	var visit func(node string) error
	visit = func(node string) error {
		path = append(path, node)
		onStack[node] = true
		for _, next := range adjacency[node] {
			if onStack[next] {
				cycleStart := indexOf(path, next)
				return fmt.Errorf("circular dependency: %s", strings.Join(append(path[cycleStart:], next), " -> "))
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		onStack[node] = false
		path = path[:len(path)-1]
		return nil
	}
	return visit(selfID)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

func normalizeDeps(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, d := range raw {
		n, err := NormalizeID(d)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// writeAtomic marshals v as YAML and writes it via temp-file-then-rename
// in path's directory.
func writeAtomic(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-issue-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
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
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	success = true
	return nil
}
