package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// definitionSchema is the JSON Schema (draft 2020-12) every definition must
// satisfy before structural validation runs. Schema failures carry the
// offending location, which is the operator-facing half of "malformed gate
// specs fail at load time".
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "phases"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "phases": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/phase"}
    }
  },
  "$defs": {
    "phase": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "allowed_tools": {"type": "array", "items": {"$ref": "#/$defs/tool"}},
        "required_artifacts": {"type": "array", "items": {"$ref": "#/$defs/artifact"}},
        "gate": {"$ref": "#/$defs/gate"},
        "checkpoint": {"type": "boolean"},
        "skip_targets": {"type": "array", "items": {"type": "string"}}
      }
    },
    "tool": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "args_schema": {"type": "object"}
      }
    },
    "artifact": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "mode": {"enum": ["must-exist", "must-not-exist"]}
      }
    },
    "gate": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["artifact", "command", "composite", "expression"]},
        "path": {"type": "string"},
        "mode": {"enum": ["must-exist", "must-not-exist"]},
        "command": {"type": "array", "items": {"type": "string"}},
        "expected_exit": {"type": "integer"},
        "timeout_seconds": {"type": "integer", "minimum": 1},
        "op": {"enum": ["all-of", "any-of"]},
        "gates": {"type": "array", "items": {"$ref": "#/$defs/gate"}},
        "expression": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("warden://workflow-definition", definitionSchema)

// UnmarshalYAML decodes a tool grant, converting an inline args_schema
// mapping to its JSON form so it can be compiled with the schema library.
func (t *ToolGrant) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name       string `yaml:"name"`
		ArgsSchema any    `yaml:"args_schema"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	t.Name = raw.Name
	if raw.ArgsSchema != nil {
		b, err := json.Marshal(raw.ArgsSchema)
		if err != nil {
			return fmt.Errorf("tool %q: args_schema not representable as JSON: %w", raw.Name, err)
		}
		t.ArgsSchema = b
	}
	return nil
}

// LoadFile reads and validates a workflow definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return Load(data)
}

// Load parses and validates a YAML workflow definition.
func Load(data []byte) (*Definition, error) {
	// Schema validation works on the generic document, struct decoding on
	// the typed one. Both come from the same bytes.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	// The schema library expects a document shaped like encoding/json
	// output, so round-trip the YAML document through JSON first.
	jsonDoc, err := json.Marshal(normalizeYAML(generic))
	if err != nil {
		return nil, fmt.Errorf("workflow definition not representable as JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonDoc, &doc); err != nil {
		return nil, fmt.Errorf("workflow definition round-trip: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("workflow definition schema: %w", err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalizeYAML converts yaml.v3's map[string]any / []any document into the
// shape the jsonschema library expects (it is strict about map key types).
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return val
	}
}

// Validate performs the structural checks the schema cannot express:
// semver version, unique ids, forward-only skip targets, per-variant gate
// rules, and compilable tool argument schemas.
func (d *Definition) Validate() error {
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("workflow version %q is not valid semver: %w", d.Version, err)
	}

	seen := make(map[string]bool, len(d.Phases))
	for i := range d.Phases {
		p := &d.Phases[i]
		if seen[p.ID] {
			return fmt.Errorf("duplicate phase id %q", p.ID)
		}
		seen[p.ID] = true
	}

	for i := range d.Phases {
		p := &d.Phases[i]
		for _, target := range p.SkipTargets {
			ti := d.PhaseIndex(target)
			if ti < 0 {
				return fmt.Errorf("phase %q: skip target %q is not a phase", p.ID, target)
			}
			if ti <= i {
				return fmt.Errorf("phase %q: skip target %q is not forward in the phase order", p.ID, target)
			}
		}
		for _, a := range p.RequiredArtifacts {
			if strings.TrimSpace(a.Path) == "" {
				return fmt.Errorf("phase %q: required artifact with empty path", p.ID)
			}
		}
		for _, g := range p.AllowedTools {
			if len(g.ArgsSchema) > 0 {
				if _, err := jsonschema.CompileString("warden://tool/"+g.Name, string(g.ArgsSchema)); err != nil {
					return fmt.Errorf("phase %q: tool %q args_schema: %w", p.ID, g.Name, err)
				}
			}
		}
		if p.Gate != nil {
			if err := p.Gate.Validate(); err != nil {
				return fmt.Errorf("phase %q: %w", p.ID, err)
			}
		}
	}
	return nil
}

// Validate checks the variant-specific rules of a gate spec.
func (g *GateSpec) Validate() error {
	switch g.Kind {
	case GateArtifact:
		if strings.TrimSpace(g.Path) == "" {
			return fmt.Errorf("artifact gate: path is required")
		}
		if g.Mode != "" && g.Mode != ArtifactMustExist && g.Mode != ArtifactMustNotExist {
			return fmt.Errorf("artifact gate: unknown mode %q", g.Mode)
		}
	case GateCommand:
		if len(g.Command) == 0 || strings.TrimSpace(g.Command[0]) == "" {
			return fmt.Errorf("command gate: argv is required")
		}
		if g.TimeoutSeconds < 0 {
			return fmt.Errorf("command gate: negative timeout")
		}
	case GateComposite:
		if g.Op != CompositeAllOf && g.Op != CompositeAnyOf {
			return fmt.Errorf("composite gate: op must be all-of or any-of, got %q", g.Op)
		}
		if len(g.Gates) == 0 {
			return fmt.Errorf("composite gate: at least one sub-gate is required")
		}
		for i := range g.Gates {
			if err := g.Gates[i].Validate(); err != nil {
				return fmt.Errorf("composite gate [%d]: %w", i, err)
			}
		}
	case GateExpression:
		if strings.TrimSpace(g.Expression) == "" {
			return fmt.Errorf("expression gate: expression is required")
		}
	default:
		return fmt.Errorf("unknown gate kind %q", g.Kind)
	}
	return nil
}
