package engine

import (
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/registry"
)

// Action is the outcome of classifying a node.
type Action int

const (
	// ActionPassThrough re-emits the node with remapped arguments.
	ActionPassThrough Action = iota
	// ActionReplace binds the node to a new replacement submodule.
	ActionReplace
)

// String implements fmt.Stringer.
func (a Action) String() string {
	if a == ActionReplace {
		return "replace"
	}
	return "pass-through"
}

// Classification is the matcher's verdict on one node.
type Classification struct {
	Action Action
	Key    registry.MatchKey
	Entry  *registry.Entry
	// GuardMiss is set when a registry entry matched but its guard rejected
	// the operands. The node passes through.
	GuardMiss bool
}

// classify decides whether n is replaced.
//
// call_module nodes match by the type of the submodule currently at the
// target, so a submodule already replaced earlier in the same pass (a module
// invoked twice) is not replaced again. call_function and call_method nodes
// match by identity, then the entry's guard (if any) inspects the operands.
// A lookup miss or a guard miss is never an error.
func classify(n *ir.Node, tree *nn.Tree, reg *registry.Registry, opOf func(string) (ir.OpKind, bool)) Classification {
	var key registry.MatchKey
	switch n.Op {
	case ir.OpCallModule:
		m, ok := tree.Get(n.Target)
		if !ok {
			return Classification{Action: ActionPassThrough}
		}
		key = registry.ModuleKey(m.TypeName())
	case ir.OpCallFunction:
		key = registry.FunctionKey(n.Target)
	case ir.OpCallMethod:
		key = registry.MethodKey(n.Target)
	default:
		return Classification{Action: ActionPassThrough}
	}

	entry, ok := reg.Lookup(key)
	if !ok {
		return Classification{Action: ActionPassThrough, Key: key}
	}
	if entry.Guard != nil && !entry.Guard(registry.CallSite{Node: n, OpOf: opOf}) {
		return Classification{Action: ActionPassThrough, Key: key, Entry: entry, GuardMiss: true}
	}
	return Classification{Action: ActionReplace, Key: key, Entry: entry}
}
