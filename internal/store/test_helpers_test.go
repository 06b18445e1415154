package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/fxaware/internal/engine"
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/numerics"
	"github.com/roach88/fxaware/internal/testutil"
)

// createTestStore creates a new file-backed store with a deterministic
// clock and sequential run ids.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithClock(testutil.NewDeterministicClock()),
		WithIDGenerator(testutil.NewSequentialIDs("")),
	)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestGraph returns x -> block.linear -> block.resadd(., 0.5) -> output.
func createTestGraph() *ir.Graph {
	return &ir.Graph{Nodes: []*ir.Node{
		{Name: "x", Op: ir.OpPlaceholder, Target: "x", Args: []ir.Argument{}, Kwargs: map[string]ir.Argument{}},
		{
			Name: "block_linear", Op: ir.OpCallModule, Target: "block.linear",
			Args:   []ir.Argument{ir.R("x")},
			Kwargs: map[string]ir.Argument{},
		},
		{
			Name: "block_resadd", Op: ir.OpCallModule, Target: "block.resadd",
			Args:   []ir.Argument{ir.R("block_linear"), ir.L(ir.IRFloat(0.5))},
			Kwargs: map[string]ir.Argument{"dims": ir.List{ir.L(ir.IRString("a")), ir.R("x")}},
		},
		{
			Name: "output", Op: ir.OpOutput, Target: "output",
			Args:   []ir.Argument{ir.R("block_resadd")},
			Kwargs: map[string]ir.Argument{},
		},
	}}
}

// createTestRun creates a run of scenario with two replacements and their
// module configurations.
func createTestRun(scenario, config string) *Run {
	return &Run{
		Scenario:          scenario,
		Config:            config,
		SourceFingerprint: "source-fp",
		Graph:             createTestGraph(),
		Replacements: []engine.Replacement{
			{Node: "block_linear", NewNode: "block_linear", Target: "block.linear", Type: numerics.TypeLinear},
			{Node: "add", NewNode: "block_resadd", Target: "block.resadd", Type: numerics.TypeResAdd},
		},
		Modules: map[string]numerics.ModuleConfig{
			"block.linear": {InputFormat: numerics.BFLOAT16, WeightFormat: numerics.BFLOAT16},
			"block.resadd": {OutputFormat: numerics.FP16},
		},
		GuardMisses: []string{"mul"},
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
