package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/testutil"
)

// Scenario defines a transformation scenario: a model, an optional numeric
// configuration, and assertions on the transformed result.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file and
	// the ledger entry.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Model is the model to transform: a builtin fixture or an inline graph.
	Model ModelSpec `yaml:"model"`

	// Config names the numeric configuration applied after the rewrite.
	// Empty means BASELINE.
	Config string `yaml:"config,omitempty"`

	// Configs is the directory searched for <Config>.cue files.
	// Relative to the scenario file.
	Configs string `yaml:"configs,omitempty"`

	// Assertions validate the transformed model.
	Assertions []Assertion `yaml:"assertions"`

	// Path is the file the scenario was loaded from.
	Path string `yaml:"-"`
}

// ModelSpec selects the model. Exactly one of Builtin and Graph is set.
type ModelSpec struct {
	// Builtin names a testutil fixture (toy_transformer, residual, ...).
	Builtin string `yaml:"builtin,omitempty"`
	// Dim is the hidden size of a builtin fixture. Defaults to 4.
	Dim int `yaml:"dim,omitempty"`

	Graph *GraphSpec `yaml:"graph,omitempty"`
}

// GraphSpec is a hand-written trace.
//
//	graph:
//	  modules:
//	    block: {type: toy.Block}
//	    block.linear: {type: Linear, params: {in_features: 2, out_features: 2}}
//	  nodes:
//	    - {name: x, op: placeholder}
//	    - {name: block_linear, op: call_module, target: block.linear, args: ["%x"]}
//	    - {name: add, op: call_function, target: operator.add, scope: block, args: ["%x", "%block_linear"]}
//	    - {name: output, op: output, args: ["%add"]}
//
// Modules whose type is a standard layer are built from params; any other
// type is a plain container scope. String arguments starting with "%" refer
// to earlier nodes; lists become argument lists; everything else is a
// literal.
type GraphSpec struct {
	Modules map[string]ModuleSpec `yaml:"modules"`
	Buffers map[string]BufferSpec `yaml:"buffers,omitempty"`
	Nodes   []NodeSpec            `yaml:"nodes"`
}

// ModuleSpec declares one submodule.
type ModuleSpec struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params,omitempty"`
}

// BufferSpec declares a constant tensor readable with get_attr.
type BufferSpec struct {
	Shape []int   `yaml:"shape"`
	Fill  float64 `yaml:"fill"`
}

// NodeSpec declares one node of an inline graph.
type NodeSpec struct {
	Name   string         `yaml:"name"`
	Op     string         `yaml:"op"`
	Target string         `yaml:"target,omitempty"`
	Scope  string         `yaml:"scope,omitempty"`
	Args   []any          `yaml:"args,omitempty"`
	Kwargs map[string]any `yaml:"kwargs,omitempty"`
}

// Assertion validates the transformed model.
type Assertion struct {
	// Type specifies the assertion type:
	// - "replaced": Node was replaced by a module at Target (of Module type)
	// - "not_replaced": Node passed through unchanged
	// - "guard_missed": Node matched a registry key but its guard rejected it
	// - "node_order": Transformed graph has exactly the node names in Names
	// - "replacement_count": Exactly Count replacements were made
	// - "module_config": Module at Path has the formats in Expect
	// - "matches_source": Transformed output equals the source output within
	//   Tolerance on deterministic inputs of the given Shapes
	// - "final_state": Query a ledger table and verify expected values
	Type string `yaml:"type"`

	Node   string   `yaml:"node,omitempty"`
	Target string   `yaml:"target,omitempty"`
	Module string   `yaml:"module,omitempty"`
	Names  []string `yaml:"names,omitempty"`
	Count  int      `yaml:"count,omitempty"`
	Path   string   `yaml:"path,omitempty"`

	Shapes    map[string][]int `yaml:"shapes,omitempty"`
	Tolerance float64          `yaml:"tolerance,omitempty"`

	// Table is the ledger table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (used by module_config and
	// final_state). Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertReplaced         = "replaced"
	AssertNotReplaced      = "not_replaced"
	AssertGuardMissed      = "guard_missed"
	AssertNodeOrder        = "node_order"
	AssertReplacementCount = "replacement_count"
	AssertModuleConfig     = "module_config"
	AssertMatchesSource    = "matches_source"
	AssertFinalState       = "final_state"
)

const defaultDim = 4

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s.Path = path
	if s.Configs != "" && !filepath.IsAbs(s.Configs) {
		s.Configs = filepath.Join(filepath.Dir(path), s.Configs)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Model.Builtin != "" && scenario.Model.Dim == 0 {
		scenario.Model.Dim = defaultDim
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file name.
// Scenario names must be unique.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}
	var (
		out  []*Scenario
		seen = make(map[string]string)
	)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("duplicate scenario name %q in %s and %s", s.Name, prev, path)
		}
		seen[s.Name] = path
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", dir)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if err := validateModel(&s.Model); err != nil {
		return err
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateModel(m *ModelSpec) error {
	switch {
	case m.Builtin == "" && m.Graph == nil:
		return fmt.Errorf("model: one of builtin or graph is required")
	case m.Builtin != "" && m.Graph != nil:
		return fmt.Errorf("model: builtin and graph are mutually exclusive")
	case m.Builtin != "":
		if !slices.Contains(testutil.BuiltinNames(), m.Builtin) {
			return fmt.Errorf("model.builtin: unknown model %q (known: %v)", m.Builtin, testutil.BuiltinNames())
		}
		if m.Dim < 0 {
			return fmt.Errorf("model.dim: must be positive, got %d", m.Dim)
		}
		return nil
	}
	if m.Dim != 0 {
		return fmt.Errorf("model.dim: only valid with builtin")
	}

	g := m.Graph
	if len(g.Nodes) == 0 {
		return fmt.Errorf("model.graph: nodes list is required and must be non-empty")
	}
	for path, spec := range g.Modules {
		if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
			return fmt.Errorf("model.graph.modules: invalid path %q", path)
		}
		if spec.Type == "" {
			return fmt.Errorf("model.graph.modules[%s]: type is required", path)
		}
	}
	for i, n := range g.Nodes {
		if n.Name == "" {
			return fmt.Errorf("model.graph.nodes[%d]: name is required", i)
		}
		if !ir.ValidOpKinds[ir.OpKind(n.Op)] {
			return fmt.Errorf("model.graph.nodes[%d]: unknown op %q", i, n.Op)
		}
		op := ir.OpKind(n.Op)
		if op != ir.OpPlaceholder && op != ir.OpOutput && n.Target == "" {
			return fmt.Errorf("model.graph.nodes[%d]: target is required for %s", i, n.Op)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertReplaced:
		if a.Node == "" || a.Target == "" {
			return fmt.Errorf("assertions[%d]: node and target are required for replaced", index)
		}
	case AssertNotReplaced, AssertGuardMissed:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for %s", index, a.Type)
		}
	case AssertNodeOrder:
		if len(a.Names) == 0 {
			return fmt.Errorf("assertions[%d]: names list is required for node_order", index)
		}
	case AssertReplacementCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for replacement_count", index)
		}
	case AssertModuleConfig:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for module_config", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for module_config", index)
		}
	case AssertMatchesSource:
		if len(a.Shapes) == 0 {
			return fmt.Errorf("assertions[%d]: shapes are required for matches_source", index)
		}
		if a.Tolerance < 0 {
			return fmt.Errorf("assertions[%d]: tolerance must be non-negative", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
