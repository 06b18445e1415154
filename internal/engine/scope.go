package engine

import (
	"fmt"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/trace"
)

// ScopeIndex maps call-site names to the scope they originated from.
//
// It is built once per transformation and read-only afterwards. Every
// call_module, call_function and call_method node of the indexed graph has
// an entry:
//   - call_module nodes map to the invoked submodule (path and type);
//   - call_function and call_method nodes map to the module whose forward
//     was executing when the tracer recorded them.
type ScopeIndex struct {
	modules map[string]string
	order   []string
	nodes   map[string]trace.Scope
}

// BuildScopeIndex indexes tree and the call-sites of g.
//
// Returns an AttributionError when a function or method call has no
// attribution, when an attribution names a path missing from the tree, or
// when a call_module target is not a submodule.
func BuildScopeIndex(tree *nn.Tree, g *ir.Graph, attribution map[string]trace.Scope) (*ScopeIndex, error) {
	idx := &ScopeIndex{
		modules: make(map[string]string),
		nodes:   make(map[string]trace.Scope),
	}
	for _, m := range tree.Named() {
		idx.modules[m.Path] = m.Module.TypeName()
		idx.order = append(idx.order, m.Path)
	}

	for _, n := range g.Nodes {
		switch n.Op {
		case ir.OpCallModule:
			typ, ok := idx.modules[n.Target]
			if !ok {
				return nil, NewAttributionError(n.Name, n.Target, "call_module target is not a submodule")
			}
			idx.nodes[n.Name] = trace.Scope{Path: n.Target, Type: typ}

		case ir.OpCallFunction, ir.OpCallMethod:
			s, ok := attribution[n.Name]
			if !ok {
				return nil, NewAttributionError(n.Name, n.Target, "call-site was recorded outside any module scope")
			}
			if _, known := idx.modules[s.Path]; !known {
				return nil, NewAttributionError(n.Name, n.Target, fmt.Sprintf("attributed to unknown scope %q", s.Path))
			}
			idx.nodes[n.Name] = s
		}
	}
	return idx, nil
}

// Lookup returns the scope of a call-site.
func (idx *ScopeIndex) Lookup(node string) (trace.Scope, bool) {
	s, ok := idx.nodes[node]
	return s, ok
}

// ModuleType returns the type recorded for a submodule path.
func (idx *ScopeIndex) ModuleType(path string) (string, bool) {
	t, ok := idx.modules[path]
	return t, ok
}

// Modules returns the indexed submodule paths in tree order.
func (idx *ScopeIndex) Modules() []string {
	return append([]string(nil), idx.order...)
}

// Len returns the number of indexed call-sites.
func (idx *ScopeIndex) Len() int {
	return len(idx.nodes)
}
