package toolaccess

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/workflow"
)

func testDefinition(t *testing.T) *workflow.Definition {
	t.Helper()
	def := &workflow.Definition{
		Name: "x", Version: "1.0.0",
		Phases: []workflow.Phase{
			{ID: "PLAN", AllowedTools: []workflow.ToolGrant{
				{Name: "read_files"},
				{Name: "search"},
			}},
			{ID: "IMPLEMENT", AllowedTools: []workflow.ToolGrant{
				{Name: "read_files"},
				{Name: "write_files", ArgsSchema: json.RawMessage(`{
					"type": "object",
					"required": ["path", "content"],
					"properties": {
						"path": {"type": "string", "minLength": 1},
						"content": {"type": "string"}
					}
				}`)},
			}},
		},
	}
	require.NoError(t, def.Validate())
	return def
}

func TestAllowlistDecidesEligibility(t *testing.T) {
	c, err := NewController(testDefinition(t))
	require.NoError(t, err)

	assert.True(t, c.IsAllowed("PLAN", "read_files"))
	assert.False(t, c.IsAllowed("PLAN", "write_files"))
	assert.True(t, c.IsAllowed("IMPLEMENT", "write_files"))
	assert.False(t, c.IsAllowed("MISSING", "read_files"))
}

func TestCheckDeniesOutsideAllowlist(t *testing.T) {
	c, err := NewController(testDefinition(t))
	require.NoError(t, err)

	err = c.Check("PLAN", "write_files", json.RawMessage(`{"path":"a","content":"b"}`))
	require.ErrorIs(t, err, ErrNotPermitted)

	err = c.Check("NOPE", "read_files", nil)
	require.ErrorIs(t, err, ErrUnknownPhase)
}

func TestCheckValidatesArgsSchema(t *testing.T) {
	c, err := NewController(testDefinition(t))
	require.NoError(t, err)

	require.NoError(t, c.Check("IMPLEMENT", "write_files", json.RawMessage(`{"path":"a.go","content":"x"}`)))

	err = c.Check("IMPLEMENT", "write_files", json.RawMessage(`{"path":"a.go"}`))
	require.ErrorIs(t, err, ErrInvalidArgs)

	err = c.Check("IMPLEMENT", "write_files", json.RawMessage(`not-json`))
	require.ErrorIs(t, err, ErrInvalidArgs)

	// Tools without a declared schema accept any args.
	require.NoError(t, c.Check("IMPLEMENT", "read_files", json.RawMessage(`{"whatever":true}`)))
}

func TestSchemaNeverGrantsEligibility(t *testing.T) {
	c, err := NewController(testDefinition(t))
	require.NoError(t, err)

	// Perfectly valid args for a tool the phase does not allow are still
	// denied: arguments never influence eligibility.
	err = c.Check("PLAN", "write_files", json.RawMessage(`{"path":"a.go","content":"x"}`))
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestBadSchemaFailsConstruction(t *testing.T) {
	def := &workflow.Definition{
		Name: "x", Version: "1.0.0",
		Phases: []workflow.Phase{
			{ID: "A", AllowedTools: []workflow.ToolGrant{
				{Name: "t", ArgsSchema: json.RawMessage(`{"type": 42}`)},
			}},
		},
	}
	_, err := NewController(def)
	require.Error(t, err)
}
