package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
name: dev-loop
version: 1.0.0
phases:
  - id: PLAN
    allowed_tools:
      - name: read_files
      - name: search
  - id: IMPLEMENT
    checkpoint: true
    allowed_tools:
      - name: read_files
      - name: write_files
        args_schema:
          type: object
          required: [path]
          properties:
            path: {type: string}
    required_artifacts:
      - path: plan.md
    skip_targets: [VERIFY]
  - id: REVIEW
    allowed_tools:
      - name: read_files
    gate:
      kind: composite
      op: all-of
      gates:
        - kind: artifact
          path: "patches/*.diff"
        - kind: expression
          expression: "'plan.md' in artifacts"
  - id: VERIFY
    gate:
      kind: command
      command: ["go", "test", "./..."]
      expected_exit: 0
      timeout_seconds: 60
  - id: COMPLETE
`

func TestLoadValidDefinition(t *testing.T) {
	def, err := Load([]byte(sampleDefinition))
	require.NoError(t, err)
	require.Len(t, def.Phases, 5)
	assert.Equal(t, "PLAN", def.InitialPhase())
	assert.Equal(t, "1.0.0", def.Version)

	impl := def.Phase("IMPLEMENT")
	require.NotNil(t, impl)
	assert.True(t, impl.Checkpoint)
	require.NotNil(t, impl.Grant("write_files"))
	assert.NotEmpty(t, impl.Grant("write_files").ArgsSchema)
	assert.Nil(t, impl.Grant("run_command"))
}

func TestCanTransitionForwardOnly(t *testing.T) {
	def, err := Load([]byte(sampleDefinition))
	require.NoError(t, err)

	tests := []struct {
		from, to string
		want     bool
	}{
		{"PLAN", "IMPLEMENT", true},
		{"IMPLEMENT", "REVIEW", true},
		{"IMPLEMENT", "VERIFY", true}, // declared skip target
		{"PLAN", "REVIEW", false},    // undeclared skip
		{"REVIEW", "PLAN", false},    // backwards
		{"REVIEW", "REVIEW", false},  // self
		{"PLAN", "MISSING", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, def.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestLoadRejectsMalformedDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing version", "name: x\nphases: [{id: A}]"},
		{"bad semver", "name: x\nversion: not-a-version\nphases: [{id: A}]"},
		{"empty phases", "name: x\nversion: 1.0.0\nphases: []"},
		{"duplicate phase ids", "name: x\nversion: 1.0.0\nphases: [{id: A}, {id: A}]"},
		{"unknown gate kind", `
name: x
version: 1.0.0
phases:
  - id: A
    gate: {kind: wishful}`},
		{"backward skip target", `
name: x
version: 1.0.0
phases:
  - id: A
  - id: B
    skip_targets: [A]`},
		{"command gate without argv", `
name: x
version: 1.0.0
phases:
  - id: A
    gate: {kind: command, command: []}`},
		{"composite gate without op", `
name: x
version: 1.0.0
phases:
  - id: A
    gate:
      kind: composite
      gates: [{kind: artifact, path: a.md}]`},
		{"expression gate without expression", `
name: x
version: 1.0.0
phases:
  - id: A
    gate: {kind: expression}`},
		{"invalid tool args schema", `
name: x
version: 1.0.0
phases:
  - id: A
    allowed_tools:
      - name: write_files
        args_schema: {type: 42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestDefinitionIsImmutableLookup(t *testing.T) {
	def, err := Load([]byte(sampleDefinition))
	require.NoError(t, err)

	assert.Equal(t, 3, def.PhaseIndex("VERIFY"))
	assert.Equal(t, -1, def.PhaseIndex("nope"))
	assert.Nil(t, def.Phase("nope"))
}
