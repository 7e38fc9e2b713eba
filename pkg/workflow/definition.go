// Package workflow defines the immutable workflow definition consumed by the
// enforcement engine: the ordered phase list, per-phase tool grants, artifact
// requirements, and gate specifications.
//
// Definitions are loaded exactly once at session start and validated up
// front, first against a JSON Schema and then structurally, so a malformed
// gate spec fails at load time, never mid-workflow.
package workflow

import (
	"encoding/json"
	"fmt"
)

// GateKind discriminates the closed set of gate spec variants.
type GateKind string

const (
	GateArtifact   GateKind = "artifact"
	GateCommand    GateKind = "command"
	GateComposite  GateKind = "composite"
	GateExpression GateKind = "expression"
)

// ArtifactMode selects the polarity of an artifact gate.
type ArtifactMode string

const (
	ArtifactMustExist    ArtifactMode = "must-exist"
	ArtifactMustNotExist ArtifactMode = "must-not-exist"
)

// CompositeOp selects how a composite gate combines its sub-gates.
type CompositeOp string

const (
	CompositeAllOf CompositeOp = "all-of"
	CompositeAnyOf CompositeOp = "any-of"
)

// GateSpec is a closed tagged union. Exactly the fields for its Kind are
// meaningful; Validate rejects specs that mix variants or omit required
// fields.
type GateSpec struct {
	Kind GateKind `json:"kind" yaml:"kind"`

	// Artifact variant.
	Path string       `json:"path,omitempty" yaml:"path,omitempty"`
	Mode ArtifactMode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Command variant. Command is argv, never a shell string.
	Command        []string `json:"command,omitempty" yaml:"command,omitempty"`
	ExpectedExit   int      `json:"expected_exit,omitempty" yaml:"expected_exit,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Composite variant.
	Op    CompositeOp `json:"op,omitempty" yaml:"op,omitempty"`
	Gates []GateSpec  `json:"gates,omitempty" yaml:"gates,omitempty"`

	// Expression variant: a CEL predicate over the artifact context.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// ArtifactRequirement names an artifact a phase requires before a task may
// transition into it. Compiled into artifact gates by the gate engine.
type ArtifactRequirement struct {
	Path string       `json:"path" yaml:"path"`
	Mode ArtifactMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ToolGrant allows one tool within a phase, optionally constraining its
// argument shape with a JSON Schema (draft 2020-12).
type ToolGrant struct {
	Name       string          `json:"name" yaml:"name"`
	ArgsSchema json.RawMessage `json:"args_schema,omitempty" yaml:"-"`
}

// Phase is one stage of the enforced workflow. Immutable after load.
type Phase struct {
	ID                string                `json:"id" yaml:"id"`
	AllowedTools      []ToolGrant           `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	RequiredArtifacts []ArtifactRequirement `json:"required_artifacts,omitempty" yaml:"required_artifacts,omitempty"`
	Gate              *GateSpec             `json:"gate,omitempty" yaml:"gate,omitempty"`

	// Checkpoint marks transitions INTO this phase as checkpoint-worthy.
	Checkpoint bool `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	// SkipTargets are phase ids reachable from this phase in addition to
	// the immediate successor. Targets must be strictly forward.
	SkipTargets []string `json:"skip_targets,omitempty" yaml:"skip_targets,omitempty"`
}

// Definition is the full workflow loaded at session start.
type Definition struct {
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version" yaml:"version"`
	Phases  []Phase `json:"phases" yaml:"phases"`
}

// PhaseIndex returns the position of id in the phase order, or -1.
func (d *Definition) PhaseIndex(id string) int {
	for i := range d.Phases {
		if d.Phases[i].ID == id {
			return i
		}
	}
	return -1
}

// Phase returns the phase with the given id, or nil.
func (d *Definition) Phase(id string) *Phase {
	if i := d.PhaseIndex(id); i >= 0 {
		return &d.Phases[i]
	}
	return nil
}

// InitialPhase returns the first phase id.
func (d *Definition) InitialPhase() string {
	if len(d.Phases) == 0 {
		return ""
	}
	return d.Phases[0].ID
}

// CanTransition reports whether target is a legal next phase from current:
// the immediate successor, or one of current's declared skip targets. Phases
// only ever advance forward.
func (d *Definition) CanTransition(current, target string) bool {
	ci := d.PhaseIndex(current)
	ti := d.PhaseIndex(target)
	if ci < 0 || ti < 0 {
		return false
	}
	if ti == ci+1 {
		return true
	}
	for _, s := range d.Phases[ci].SkipTargets {
		if s == target && ti > ci {
			return true
		}
	}
	return false
}

// ToolNames flattens a phase's grants to the bare allowlist.
func (p *Phase) ToolNames() []string {
	names := make([]string, 0, len(p.AllowedTools))
	for _, g := range p.AllowedTools {
		names = append(names, g.Name)
	}
	return names
}

// Grant returns the grant for tool, or nil if the phase does not allow it.
func (p *Phase) Grant(tool string) *ToolGrant {
	for i := range p.AllowedTools {
		if p.AllowedTools[i].Name == tool {
			return &p.AllowedTools[i]
		}
	}
	return nil
}

func (g *GateSpec) String() string {
	switch g.Kind {
	case GateArtifact:
		return fmt.Sprintf("artifact(%s %s)", g.Path, g.Mode)
	case GateCommand:
		return fmt.Sprintf("command(%v)", g.Command)
	case GateComposite:
		return fmt.Sprintf("composite(%s, %d gates)", g.Op, len(g.Gates))
	case GateExpression:
		return fmt.Sprintf("expression(%s)", g.Expression)
	}
	return "gate(unknown)"
}
