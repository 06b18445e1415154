package harness

import (
	"maps"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fxaware/internal/engine"
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/model"
	"github.com/roach88/fxaware/internal/numerics"
)

// SnapshotNode is one node of the transformed graph.
type SnapshotNode struct {
	Name   string    `json:"name"`
	Op     ir.OpKind `json:"op"`
	Target string    `json:"target"`
}

// Snapshot captures the observable outcome of a transformation.
// Serialized with canonical JSON for deterministic comparison.
type Snapshot struct {
	Scenario     string                           `json:"scenario"`
	Config       string                           `json:"config"`
	Nodes        []SnapshotNode                   `json:"nodes"`
	Replacements []engine.Replacement             `json:"replacements"`
	GuardMisses  []string                         `json:"guard_misses"`
	Modules      map[string]numerics.ModuleConfig `json:"modules"`
}

// NewSnapshot summarizes a transformed model.
func NewSnapshot(scenario, configName string, m *model.Model) *Snapshot {
	s := &Snapshot{
		Scenario:     scenario,
		Config:       configName,
		Nodes:        make([]SnapshotNode, 0, len(m.Graph().Nodes)),
		Replacements: m.Replacements(),
		GuardMisses:  m.GuardMisses(),
		Modules:      m.Configuration(),
	}
	for _, n := range m.Graph().Nodes {
		s.Nodes = append(s.Nodes, SnapshotNode{Name: n.Name, Op: n.Op, Target: n.Target})
	}
	return s
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	nodes := make([]any, len(s.Nodes))
	for i, n := range s.Nodes {
		nodes[i] = map[string]any{
			"name":   n.Name,
			"op":     string(n.Op),
			"target": n.Target,
		}
	}

	reps := make([]any, len(s.Replacements))
	for i, r := range s.Replacements {
		reps[i] = map[string]any{
			"node":     r.Node,
			"new_node": r.NewNode,
			"target":   r.Target,
			"type":     r.Type,
		}
	}

	misses := make([]any, len(s.GuardMisses))
	for i, n := range s.GuardMisses {
		misses[i] = n
	}

	modules := make(map[string]any, len(s.Modules))
	for _, path := range slices.Sorted(maps.Keys(s.Modules)) {
		c := s.Modules[path].Normalize()
		modules[path] = map[string]any{
			"input_format":  string(c.InputFormat),
			"output_format": string(c.OutputFormat),
			"weight_format": string(c.WeightFormat),
		}
	}

	return map[string]any{
		"scenario":     s.Scenario,
		"config":       s.Config,
		"nodes":        nodes,
		"replacements": reps,
		"guard_misses": misses,
		"modules":      modules,
	}
}

// MarshalCanonical serializes the snapshot as canonical JSON.
func (s *Snapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// AssertGolden compares the result's snapshot against
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := result.Snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)

	return nil
}
