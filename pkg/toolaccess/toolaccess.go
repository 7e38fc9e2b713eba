// Package toolaccess decides whether a phase permits a tool invocation.
//
// Eligibility is a pure lookup against the phase's declared allowlist.
// There is deliberately no escalation path and no runtime argument
// inspection feeding the decision: only the phase definition decides, which
// removes the bypass-via-clever-arguments class of bugs. Argument schemas,
// where declared, validate the shape of an already-allowed call.
package toolaccess

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/warden/pkg/workflow"
)

var (
	ErrNotPermitted = errors.New("tool not permitted in phase")
	ErrInvalidArgs  = errors.New("tool arguments rejected by schema")
	ErrUnknownPhase = errors.New("unknown phase")
)

// Controller answers allow/deny for (phase, tool) pairs. Schemas are
// compiled once at construction; a Controller is immutable afterward.
type Controller struct {
	def     *workflow.Definition
	schemas map[string]*jsonschema.Schema
}

// NewController compiles every declared tool argument schema up front.
func NewController(def *workflow.Definition) (*Controller, error) {
	c := &Controller{def: def, schemas: make(map[string]*jsonschema.Schema)}
	for i := range def.Phases {
		p := &def.Phases[i]
		for _, grant := range p.AllowedTools {
			if len(grant.ArgsSchema) == 0 {
				continue
			}
			key := p.ID + "/" + grant.Name
			schema, err := jsonschema.CompileString("warden://tool/"+key, string(grant.ArgsSchema))
			if err != nil {
				return nil, fmt.Errorf("phase %q tool %q: compile args schema: %w", p.ID, grant.Name, err)
			}
			c.schemas[key] = schema
		}
	}
	return c, nil
}

// IsAllowed is the pure allowlist lookup. A tool absent from the phase's
// set is denied regardless of anything else the caller claims.
func (c *Controller) IsAllowed(phaseID, tool string) bool {
	p := c.def.Phase(phaseID)
	if p == nil {
		return false
	}
	return p.Grant(tool) != nil
}

// Check validates a tool invocation: allowlist membership first, then the
// argument schema if the grant declares one.
func (c *Controller) Check(phaseID, tool string, args json.RawMessage) error {
	p := c.def.Phase(phaseID)
	if p == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, phaseID)
	}
	if p.Grant(tool) == nil {
		return fmt.Errorf("%w: %q in phase %q", ErrNotPermitted, tool, phaseID)
	}

	schema, ok := c.schemas[phaseID+"/"+tool]
	if !ok {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("%w: args are not valid JSON: %v", ErrInvalidArgs, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}
