package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fxaware/internal/ir"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "test.yaml", `
name: test_scenario
description: "Test scenario for validation"
model:
  builtin: residual
config: BASIC
configs: configs
assertions:
  - type: replacement_count
    count: 3
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", s.Name)
	assert.Equal(t, "residual", s.Model.Builtin)
	assert.Equal(t, defaultDim, s.Model.Dim, "dim defaults for builtins")
	assert.Equal(t, "BASIC", s.Config)
	assert.Equal(t, filepath.Join(dir, "configs"), s.Configs, "configs resolve against the scenario file")
	assert.Equal(t, path, s.Path)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertReplacementCount, s.Assertions[0].Type)
	assert.Equal(t, 3, s.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/path/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_InlineGraph(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: inline
description: "inline graph"
model:
  graph:
    modules:
      fc: { type: Linear, params: { in_features: 2, out_features: 2 } }
    buffers:
      scale: { shape: [2, 2], fill: 0.5 }
    nodes:
      - { name: x, op: placeholder }
      - { name: fc, op: call_module, target: fc, args: ["%x"] }
      - { name: output, op: output, args: ["%fc"] }
assertions:
  - type: node_order
    names: [x, fc, output]
`))
	require.NoError(t, err)
	require.NotNil(t, s.Model.Graph)
	assert.Zero(t, s.Model.Dim)
	assert.Equal(t, "Linear", s.Model.Graph.Modules["fc"].Type)
	assert.Equal(t, []int{2, 2}, s.Model.Graph.Buffers["scale"].Shape)
	assert.Equal(t, []any{"%x"}, s.Model.Graph.Nodes[1].Args)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nmodel: {builtin: residual}\nassertions: [{type: replacement_count}]",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nmodel: {builtin: residual}\nassertions: [{type: replacement_count}]",
			want: "description is required",
		},
		{
			name: "missing model",
			yaml: "name: n\ndescription: d\nassertions: [{type: replacement_count}]",
			want: "one of builtin or graph is required",
		},
		{
			name: "both models",
			yaml: "name: n\ndescription: d\nmodel: {builtin: residual, graph: {nodes: [{name: x, op: placeholder}]}}\nassertions: [{type: replacement_count}]",
			want: "mutually exclusive",
		},
		{
			name: "unknown builtin",
			yaml: "name: n\ndescription: d\nmodel: {builtin: resnet}\nassertions: [{type: replacement_count}]",
			want: `unknown model "resnet"`,
		},
		{
			name: "dim on inline graph",
			yaml: "name: n\ndescription: d\nmodel: {dim: 4, graph: {nodes: [{name: x, op: placeholder}]}}\nassertions: [{type: replacement_count}]",
			want: "only valid with builtin",
		},
		{
			name: "unknown op",
			yaml: "name: n\ndescription: d\nmodel: {graph: {nodes: [{name: x, op: input}]}}\nassertions: [{type: replacement_count}]",
			want: `unknown op "input"`,
		},
		{
			name: "call without target",
			yaml: "name: n\ndescription: d\nmodel: {graph: {nodes: [{name: f, op: call_function}]}}\nassertions: [{type: replacement_count}]",
			want: "target is required for call_function",
		},
		{
			name: "module without type",
			yaml: "name: n\ndescription: d\nmodel: {graph: {modules: {fc: {}}, nodes: [{name: x, op: placeholder}]}}\nassertions: [{type: replacement_count}]",
			want: "type is required",
		},
		{
			name: "missing assertions",
			yaml: "name: n\ndescription: d\nmodel: {builtin: residual}",
			want: "assertions list is required",
		},
		{
			name: "malformed yaml",
			yaml: "name: [unclosed",
			want: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_UnknownFieldsRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"top level typo", "name: n\ndescription: d\nmodel: {builtin: residual}\nassertion: []"},
		{"model typo", "name: n\ndescription: d\nmodel: {builtins: residual}\nassertions: [{type: replacement_count}]"},
		{"assertion typo", "name: n\ndescription: d\nmodel: {builtin: residual}\nassertions: [{type: replaced, nod: add, target: t}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to parse YAML")
		})
	}
}

func TestValidateAssertion(t *testing.T) {
	tests := []struct {
		name string
		a    Assertion
		want string
	}{
		{"missing type", Assertion{}, "type is required"},
		{"unknown type", Assertion{Type: "trace_contains"}, `unknown assertion type "trace_contains"`},
		{"replaced without target", Assertion{Type: AssertReplaced, Node: "add"}, "node and target are required"},
		{"not_replaced without node", Assertion{Type: AssertNotReplaced}, "node is required for not_replaced"},
		{"guard_missed without node", Assertion{Type: AssertGuardMissed}, "node is required for guard_missed"},
		{"node_order without names", Assertion{Type: AssertNodeOrder}, "names list is required"},
		{"negative count", Assertion{Type: AssertReplacementCount, Count: -1}, "count must be non-negative"},
		{"module_config without path", Assertion{Type: AssertModuleConfig, Expect: map[string]any{"input_format": "FP16"}}, "path is required"},
		{"module_config without expect", Assertion{Type: AssertModuleConfig, Path: "fc"}, "expect is required for module_config"},
		{"matches_source without shapes", Assertion{Type: AssertMatchesSource}, "shapes are required"},
		{"negative tolerance", Assertion{Type: AssertMatchesSource, Shapes: map[string][]int{"x": {2}}, Tolerance: -1}, "tolerance must be non-negative"},
		{"final_state without table", Assertion{Type: AssertFinalState, Expect: map[string]any{"a": 1}}, "table is required"},
		{"final_state without expect", Assertion{Type: AssertFinalState, Table: "runs"}, "expect is required for final_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAssertion(2, &tt.a)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "assertions[2]")
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, validateAssertion(0, &Assertion{Type: AssertReplacementCount, Count: 0}), "zero count is allowed")
}

func TestLoadDir(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"attention_scale", "inline_residual", "residual_basic",
		"residual_block", "scaled_literal", "toy_transformer",
	}, names)
}

func TestLoadDir_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	body := "name: same\ndescription: d\nmodel: {builtin: residual}\nassertions: [{type: replacement_count, count: 3}]\n"
	writeScenario(t, dir, "a.yaml", body)
	writeScenario(t, dir, "b.yml", body)
	writeScenario(t, dir, "notes.txt", "ignored")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate scenario name "same"`)
}

func TestLoadDir_Empty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenarios found")
}

func TestBuildArgument(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want ir.Argument
	}{
		{"reference", "%x", ir.R("x")},
		{"string literal", "tanh", ir.L(ir.IRString("tanh"))},
		{"int literal", 2, ir.L(ir.IRInt(2))},
		{"float literal", 0.5, ir.L(ir.IRFloat(0.5))},
		{"bool literal", false, ir.L(ir.IRBool(false))},
		{"list", []any{"%a", -1}, ir.List{ir.R("a"), ir.L(ir.IRInt(-1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildArgument(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := buildArgument("%")
	assert.Error(t, err)
}

func TestAssertionConstants(t *testing.T) {
	assert.Equal(t, "replaced", AssertReplaced)
	assert.Equal(t, "not_replaced", AssertNotReplaced)
	assert.Equal(t, "guard_missed", AssertGuardMissed)
	assert.Equal(t, "node_order", AssertNodeOrder)
	assert.Equal(t, "replacement_count", AssertReplacementCount)
	assert.Equal(t, "module_config", AssertModuleConfig)
	assert.Equal(t, "matches_source", AssertMatchesSource)
	assert.Equal(t, "final_state", AssertFinalState)
}
