// Package config loads the single workflow YAML document (.agenttree.yaml)
// described below: flows (ordered dot-paths), stage and role
// definitions, and command aliases. The flow is the ordering; stages and
// roles are attribute stores resolved by key lookup at the use site
// (Design Notes: keep all three as separate maps, no shared mutable
// references between them).
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agenttree/agenttree/internal/hooks"
)

// Built-in parking-lot stages that exist in every workflow configuration
// regardless of what the flows map names.
const (
	Backlog = "backlog"
	Accepted = "accepted"
	NotDoing = "not_doing"
)

var parkingLotStages = map[string]bool{Backlog: true, Accepted: true, NotDoing: true}

// SubstageDef overrides a subset of its parent StageDef's fields.
type SubstageDef struct {
	Output string
	ReviewDoc string
	HumanReview *bool
	RedirectOnly *bool
	Skill string
	PreCompletion []hooks.Hook
	PostStart []hooks.Hook
}

// StageDef is the attribute store for one top-level stage name.
type StageDef struct {
	Role string
	Substages map[string]SubstageDef
	Output string
	ReviewDoc string
	HumanReview bool
	RedirectOnly bool
	Terminal bool
	IsParkingLot bool
	Color string
	Skill string
	PreCompletion []hooks.Hook
	PostStart []hooks.Hook
}

// UnmarshalYAML decodes a stage definition, dispatching its hook lists
// through the hooks package's tagged-variant decoder.
func (s *StageDef) UnmarshalYAML(node *yaml.Node) error {
	type plain struct {
		Role string `yaml:"role"`
		Substages map[string]yaml.Node `yaml:"substages,omitempty"`
		Output string `yaml:"output,omitempty"`
		ReviewDoc string `yaml:"review_doc,omitempty"`
		HumanReview bool `yaml:"human_review,omitempty"`
		RedirectOnly bool `yaml:"redirect_only,omitempty"`
		Terminal bool `yaml:"terminal,omitempty"`
		IsParkingLot bool `yaml:"is_parking_lot,omitempty"`
		Color string `yaml:"color,omitempty"`
		Skill string `yaml:"skill,omitempty"`
		PreCompletion yaml.Node `yaml:"pre_completion,omitempty"`
		PostStart yaml.Node `yaml:"post_start,omitempty"`
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	pre, err := decodeHookNode(&p.PreCompletion)
	if err != nil {
		return fmt.Errorf("stage pre_completion: %w", err)
	}
	post, err := decodeHookNode(&p.PostStart)
	if err != nil {
		return fmt.Errorf("stage post_start: %w", err)
	}
	s.Role = p.Role
	s.Output = p.Output
	s.ReviewDoc = p.ReviewDoc
	s.HumanReview = p.HumanReview
	s.RedirectOnly = p.RedirectOnly
	s.Terminal = p.Terminal
	s.IsParkingLot = p.IsParkingLot
	s.Color = p.Color
	s.Skill = p.Skill
	s.PreCompletion = pre
	s.PostStart = post

	if len(p.Substages) > 0 {
		s.Substages = make(map[string]SubstageDef, len(p.Substages))
		for name, subNode := range p.Substages {
			subNode := subNode
			var sub SubstageDef
			if err := sub.unmarshalNode(&subNode); err != nil {
				return fmt.Errorf("substage %q: %w", name, err)
			}
			s.Substages[name] = sub
		}
	}
	return nil
}

func (s *SubstageDef) unmarshalNode(node *yaml.Node) error {
	type plain struct {
		Output string `yaml:"output,omitempty"`
		ReviewDoc string `yaml:"review_doc,omitempty"`
		HumanReview *bool `yaml:"human_review,omitempty"`
		RedirectOnly *bool `yaml:"redirect_only,omitempty"`
		Skill string `yaml:"skill,omitempty"`
		PreCompletion yaml.Node `yaml:"pre_completion,omitempty"`
		PostStart yaml.Node `yaml:"post_start,omitempty"`
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	pre, err := decodeHookNode(&p.PreCompletion)
	if err != nil {
		return fmt.Errorf("pre_completion: %w", err)
	}
	post, err := decodeHookNode(&p.PostStart)
	if err != nil {
		return fmt.Errorf("post_start: %w", err)
	}
	s.Output = p.Output
	s.ReviewDoc = p.ReviewDoc
	s.HumanReview = p.HumanReview
	s.RedirectOnly = p.RedirectOnly
	s.Skill = p.Skill
	s.PreCompletion = pre
	s.PostStart = post
	return nil
}

func decodeHookNode(node *yaml.Node) ([]hooks.Hook, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	return hooks.DecodeList(node)
}

// RoleDef bundles who operates at a stage: which container (if any),
// which AI tool, which model, which default skill.
type RoleDef struct {
	Container any `yaml:"container,omitempty"` // bool, or {enabled, image?}
	Tool string `yaml:"tool,omitempty"`
	Model string `yaml:"model,omitempty"`
	Skill string `yaml:"skill,omitempty"`
}

// Containerized reports whether this role runs inside a container.
func (r RoleDef) Containerized() bool {
	switch v := r.Container.(type) {
	case bool:
		return v
	case map[string]any:
		if enabled, ok := v["enabled"].(bool); ok {
			return enabled
		}
		return true
	default:
		return false
	}
}

// Image returns the configured container image for this role, if any.
func (r RoleDef) Image() string {
	if m, ok := r.Container.(map[string]any); ok {
		if img, ok := m["image"].(string); ok {
			return img
		}
	}
	return ""
}

// ManagerConfig holds the manager-hooks scan tuning knobs.
type ManagerConfig struct {
	StallThresholdMin int `yaml:"stall_threshold_min,omitempty"`
}

// Config is the fully parsed .agenttree.yaml document.
type Config struct {
	Project string `yaml:"project"`
	WorktreesDir string `yaml:"worktrees_dir,omitempty"`
	PortRange string `yaml:"port_range,omitempty"`
	DefaultTool string `yaml:"default_tool,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty"`
	Flows map[string][]string `yaml:"flows"`
	Stages map[string]StageDef `yaml:"stages"`
	Roles map[string]RoleDef `yaml:"roles,omitempty"`
	Commands map[string]any `yaml:"commands,omitempty"`
	AllowSelfApproval bool `yaml:"allow_self_approval,omitempty"`
	SaveTmuxHistory bool `yaml:"save_tmux_history,omitempty"`
	ShowIssueYAML bool `yaml:"show_issue_yaml,omitempty"`
	Manager ManagerConfig `yaml:"manager,omitempty"`
}

// BasePort returns the low end of the configured port range, defaulting
// to 9000 when unset.
func (c *Config) BasePort() int {
	lo, _ := c.portBounds()
	return lo
}

func (c *Config) portBounds() (lo, hi int) {
	lo, hi = 9000, 9099
	parts := strings.SplitN(c.PortRange, "-", 2)
	if len(parts) == 2 {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
			lo = v
		}
		if v, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			hi = v
		}
	}
	return lo, hi
}

func splitDotPath(dotPath string) (stage, substage string) {
	idx := strings.Index(dotPath, ".")
	if idx < 0 {
		return dotPath, ""
	}
	return dotPath[:idx], dotPath[idx+1:]
}

// IsParkingLot reports whether a dot-path is one of the three built-in
// parking-lot stages or a stage explicitly marked is_parking_lot.
func (c *Config) IsParkingLot(dotPath string) bool {
	if parkingLotStages[dotPath] {
		return true
	}
	stage, _ := splitDotPath(dotPath)
	if def, ok := c.Stages[stage]; ok {
		return def.IsParkingLot
	}
	return false
}

// ParkingLotStages returns the built-in parking-lot set plus any stage
// explicitly marked is_parking_lot.
func (c *Config) ParkingLotStages() []string {
	out := []string{Backlog, Accepted, NotDoing}
	for name, def := range c.Stages {
		if def.IsParkingLot {
			out = append(out, name)
		}
	}
	return out
}

// StageFor returns the StageDef for a dot-path's stage component.
func (c *Config) StageFor(dotPath string) (StageDef, bool) {
	stage, _ := splitDotPath(dotPath)
	def, ok := c.Stages[stage]
	return def, ok
}

// SubstageFor returns the SubstageDef for a dot-path, if it names one.
func (c *Config) SubstageFor(dotPath string) (SubstageDef, bool) {
	stage, sub := splitDotPath(dotPath)
	if sub == "" {
		return SubstageDef{}, false
	}
	def, ok := c.Stages[stage]
	if !ok {
		return SubstageDef{}, false
	}
	s, ok := def.Substages[sub]
	return s, ok
}

// RoleFor resolves the role name that drives a dot-path.
func (c *Config) RoleFor(dotPath string) (string, bool) {
	def, ok := c.StageFor(dotPath)
	if !ok {
		return "", false
	}
	return def.Role, true
}

// IsHumanReview reports whether a dot-path requires explicit operator
// approval before advancing. A substage inherits its stage's value unless
// it overrides.
func (c *Config) IsHumanReview(dotPath string) bool {
	if sub, ok := c.SubstageFor(dotPath); ok && sub.HumanReview != nil {
		return *sub.HumanReview
	}
	stage, ok := c.StageFor(dotPath)
	return ok && stage.HumanReview
}

// IsTerminal reports whether a dot-path is marked terminal (no further
// rollback target may follow it, and it has no outgoing next-in-flow).
func (c *Config) IsTerminal(dotPath string) bool {
	stage, ok := c.StageFor(dotPath)
	return ok && stage.Terminal
}

// IsRedirectOnly reports whether a dot-path can only be reached via an
// explicit hook redirect, never via next-computation or rollback target.
func (c *Config) IsRedirectOnly(dotPath string) bool {
	if sub, ok := c.SubstageFor(dotPath); ok && sub.RedirectOnly != nil {
		return *sub.RedirectOnly
	}
	stage, ok := c.StageFor(dotPath)
	return ok && stage.RedirectOnly
}

// HumanReviewStages returns every dot-path configured with human_review.
func (c *Config) HumanReviewStages() []string {
	var out []string
	for name, def := range c.Stages {
		if def.HumanReview {
			out = append(out, name)
		}
		for subName, sub := range def.Substages {
			hr := def.HumanReview
			if sub.HumanReview != nil {
				hr = *sub.HumanReview
			}
			if hr {
				out = append(out, name+"."+subName)
			}
		}
	}
	return out
}

// FlowStageNames returns the ordered dot-path list for a flow.
func (c *Config) FlowStageNames(flow string) []string {
	return c.Flows[flow]
}

// NextInFlow computes the dot-path immediately after current in flow, and
// whether that next stage requires human review. ok is false if current
// is not found in the flow, or current is already its last entry.
func (c *Config) NextInFlow(flow, current string) (next string, isHumanReview bool, ok bool) {
	path := c.Flows[flow]
	for i, dp := range path {
		if dp == current {
			if i+1 >= len(path) {
				return "", false, false
			}
			next = path[i+1]
			return next, c.IsHumanReview(next), true
		}
	}
	return "", false, false
}

// ModelFor cascades role default to the config-wide default model.
func (c *Config) ModelFor(role string) string {
	if r, ok := c.Roles[role]; ok && r.Model != "" {
		return r.Model
	}
	return c.DefaultModel
}

// ToolFor cascades role default to the config-wide default tool.
func (c *Config) ToolFor(role string) string {
	if r, ok := c.Roles[role]; ok && r.Tool != "" {
		return r.Tool
	}
	return c.DefaultTool
}

// SkillPath resolves the configured skill file for a dot-path, falling
// back to the conventional skills/{stage}.md or skills/{stage}/{substage}.md
// naming issues.py used when no explicit skill is set.
func (c *Config) SkillPath(dotPath string) string {
	stage, sub := splitDotPath(dotPath)
	if sub != "" {
		if s, ok := c.SubstageFor(dotPath); ok && s.Skill != "" {
			return s.Skill
		}
	}
	if def, ok := c.Stages[stage]; ok && def.Skill != "" {
		return def.Skill
	}
	if sub != "" {
		return filepath.Join("skills", stage, sub+".md")
	}
	return filepath.Join("skills", stage+".md")
}

// OutputFor resolves the configured output filename for a dot-path,
// substage overriding stage.
func (c *Config) OutputFor(dotPath string) string {
	if sub, ok := c.SubstageFor(dotPath); ok && sub.Output != "" {
		return sub.Output
	}
	if stage, ok := c.StageFor(dotPath); ok {
		return stage.Output
	}
	return ""
}

// ExitHooks returns the stage-level and substage-level exit-hook lists for
// a dot-path. Callers pass them to ExecuteExitHooks, which runs substage
// hooks before stage hooks.
func (c *Config) ExitHooks(dotPath string) (stageHooks, substageHooks []hooks.Hook) {
	if stage, ok := c.StageFor(dotPath); ok {
		stageHooks = stage.PreCompletion
	}
	if sub, ok := c.SubstageFor(dotPath); ok {
		substageHooks = sub.PreCompletion
	}
	return stageHooks, substageHooks
}

// EnterHooks returns the stage-level and substage-level enter-hook lists.
func (c *Config) EnterHooks(dotPath string) (stageHooks, substageHooks []hooks.Hook) {
	if stage, ok := c.StageFor(dotPath); ok {
		stageHooks = stage.PostStart
	}
	if sub, ok := c.SubstageFor(dotPath); ok {
		substageHooks = sub.PostStart
	}
	return stageHooks, substageHooks
}

// Load reads, schema-validates, and parses a .agenttree.yaml document from
// path. Precedence: an explicit path argument wins; otherwise
// AGENTTREE_CONFIG; otherwise ./.agenttree.yaml in the working directory.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", resolved, err)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("config %s failed schema validation: %w", resolved, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	if cfg.WorktreesDir == "" {
		cfg.WorktreesDir = "../agenttree-worktrees"
	}
	if cfg.PortRange == "" {
		cfg.PortRange = "9000-9099"
	}
	return &cfg, nil
}

func resolvePath(explicit string) (string, error) {
	return ResolvePath(explicit)
}

// ResolvePath applies the same precedence Load does (explicit argument,
// then AGENTTREE_CONFIG, then ./.agenttree.yaml) without reading the
// file, for callers that need to report where a config came from.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv("AGENTTREE_CONFIG"); env != "" {
		return env, nil
	}
	return ".agenttree.yaml", nil
}

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	compiled *jsonschema.Schema
	compileErr error
)

// compiledSchema compiles the embedded JSON Schema once and reuses it for
// every Load call in the process.
func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(schemaJSON, &doc); err != nil {
			compileErr = fmt.Errorf("parse embedded schema: %w", err)
			return
		}
		const url = "https://agenttree.dev/schema/agenttree-config.json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(url)
	})
	return compiled, compileErr
}

// validateAgainstSchema converts the raw YAML to a JSON-compatible tree
// and validates it against the embedded schema before unmarshaling into
// Config — this is where "unknown hook type / unknown field = hard error
// at config load" (Design Notes) is enforced structurally.
func validateAgainstSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	data, err := json.Marshal(toJSONCompatible(doc))
	if err != nil {
		return fmt.Errorf("marshal for schema check: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return fmt.Errorf("unmarshal for schema check: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

// toJSONCompatible recursively converts the map[string]interface{} tree
// yaml.v3 produces into a form encoding/json can marshal without error.
func toJSONCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = toJSONCompatible(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = toJSONCompatible(v)
		}
		return out
	default:
		return val
	}
}
