package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fxaware/internal/config"
	"github.com/roach88/fxaware/internal/numerics"
	"github.com/roach88/fxaware/internal/store"
	"github.com/roach88/fxaware/internal/testutil"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_Scenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			assert.Equal(t, s.Name+"-0001", result.RunID)
			assert.NotEmpty(t, result.Fingerprint)
			assert.NotEmpty(t, result.SourceFingerprint)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "toy_transformer")

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.RunID, second.RunID, "fresh ledger per run")

	a, err := first.Snapshot.MarshalCanonical()
	require.NoError(t, err)
	b, err := second.Snapshot.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_InlineMatchesBuiltin(t *testing.T) {
	inline := loadTestScenario(t, "inline_residual")
	inline.Config = ""
	builtin := loadTestScenario(t, "residual_block")

	a, err := Transform(inline)
	require.NoError(t, err)
	b, err := Transform(builtin)
	require.NoError(t, err)

	assert.Equal(t, b.Model.Graph().Names(), a.Model.Graph().Names())
	assert.Equal(t, b.Model.GuardMisses(), a.Model.GuardMisses())
	require.Len(t, a.Model.Replacements(), 3)
	for i, r := range b.Model.Replacements() {
		got := a.Model.Replacements()[i]
		assert.Equal(t, r.Node, got.Node)
		assert.Equal(t, r.NewNode, got.NewNode)
		assert.Equal(t, r.Target, got.Target)
		assert.Equal(t, r.Type, got.Type)
	}
}

func TestRun_AssertionFailuresReported(t *testing.T) {
	s := loadTestScenario(t, "residual_block")
	s.Assertions = []Assertion{
		{Type: AssertReplacementCount, Count: 2},
		{Type: AssertGuardMissed, Node: "add"},
		{Type: AssertReplacementCount, Count: 3},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Expected: 2 replacements")
	assert.Contains(t, result.Errors[0], "Actual: 3 replacements")
	assert.Contains(t, result.Errors[1], "guard rejected node add")
}

func TestRun_ConfigOverride(t *testing.T) {
	s := loadTestScenario(t, "residual_block")
	s.Assertions = []Assertion{{
		Type:   AssertModuleConfig,
		Path:   "block.resadd",
		Expect: map[string]any{"output_format": "BFLOAT16"},
	}}

	result, err := Run(context.Background(), s, WithConfig(config.Basic))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, config.Basic, result.Config)
}

func TestRun_UnsupportedConfig(t *testing.T) {
	s := loadTestScenario(t, "residual_block")
	s.Config = "FANCY"

	_, err := Run(context.Background(), s, WithConfigsDir(t.TempDir()))
	require.Error(t, err)
	assert.True(t, config.IsUnsupportedConfig(err))
}

func TestRun_InconsistentConfig(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "WEIGHTLESS.cue", `model: {"block.resadd": {weight_format: "INT8"}}`)
	s := loadTestScenario(t, "residual_block")
	s.Config = "WEIGHTLESS"
	s.Configs = dir

	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without weights")
}

func TestRun_BadInlineGraph(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad
description: "reference to an undefined node"
model:
  graph:
    nodes:
      - { name: x, op: placeholder }
      - { name: output, op: output, args: ["%y"] }
assertions:
  - type: replacement_count
    count: 0
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build model")
	assert.Contains(t, err.Error(), `uses "y" before definition`)
}

func TestRun_UnknownScope(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_scope
description: "function attributed to a missing module"
model:
  graph:
    nodes:
      - { name: x, op: placeholder }
      - { name: add, op: call_function, target: operator.add, scope: block, args: ["%x", "%x"] }
      - { name: output, op: output, args: ["%add"] }
assertions:
  - type: replacement_count
    count: 1
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown scope "block"`)
}

func TestRun_WithStoreAppends(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"),
		store.WithClock(testutil.NewDeterministicClock()),
		store.WithIDGenerator(testutil.NewSequentialIDs("")),
	)
	require.NoError(t, err)
	defer st.Close()

	s := loadTestScenario(t, "residual_basic")
	for range 2 {
		result, err := Run(context.Background(), s, WithStore(st))
		require.NoError(t, err)
		assert.True(t, result.Pass, "errors: %v", result.Errors)
	}

	runs, err := st.ListRuns(context.Background(), "residual_basic")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "test-run-0001", runs[0].ID)
	assert.Equal(t, "test-run-0002", runs[1].ID)
	assert.Equal(t, runs[0].Fingerprint, runs[1].Fingerprint)

	latest, err := st.LatestRun(context.Background(), "residual_basic", config.Basic)
	require.NoError(t, err)
	assert.Equal(t, numerics.BFLOAT16, latest.Modules["block.linear"].WeightFormat)
}

func TestRunAll(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	results, err := RunAll(context.Background(), scenarios, 2)
	require.NoError(t, err)
	require.Len(t, results, len(scenarios))
	for i, r := range results {
		assert.Equal(t, scenarios[i].Name, r.Scenario)
		assert.True(t, r.Pass, "%s: %v", r.Scenario, r.Errors)
	}
}

func TestRunAll_StopsOnError(t *testing.T) {
	good := loadTestScenario(t, "scaled_literal")
	bad := loadTestScenario(t, "residual_block")
	bad.Config = "MISSING"

	_, err := RunAll(context.Background(), []*Scenario{good, bad}, 0)
	require.Error(t, err)
	assert.True(t, config.IsUnsupportedConfig(err))
}

func TestTransformation_Run(t *testing.T) {
	tr, err := Transform(loadTestScenario(t, "attention_scale"))
	require.NoError(t, err)

	run := tr.Run()
	assert.Equal(t, "attention_scale", run.Scenario)
	assert.Equal(t, config.Baseline, run.Config)
	assert.Equal(t, tr.SourceFingerprint, run.SourceFingerprint)
	require.Len(t, run.Replacements, 1)
	assert.Equal(t, "block.attn.matmul", run.Replacements[0].Target)
	assert.Contains(t, run.Modules, "block.attn.matmul")
	assert.Empty(t, run.GuardMisses)
}

func TestResult_AddError(t *testing.T) {
	r := NewResult("s")
	assert.True(t, r.Pass)
	assert.Empty(t, r.Errors)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
