package registry

import "github.com/roach88/fxaware/internal/ir"

// graphProduced lists the ops whose results count as dynamic graph values.
// get_attr is excluded: attributes are host-side constants.
var graphProduced = map[ir.OpKind]bool{
	ir.OpCallModule:   true,
	ir.OpCallFunction: true,
	ir.OpCallMethod:   true,
	ir.OpPlaceholder:  true,
}

// GraphProduced reports whether arg is a reference to a dynamic graph value.
func GraphProduced(site CallSite, arg ir.Argument) bool {
	ref, ok := arg.(ir.Ref)
	if !ok {
		return false
	}
	op, ok := site.OpOf(ref.Node)
	return ok && graphProduced[op]
}

// BinaryOperandsGraphProduced is the guard for elementwise add and mul:
// both of the first two positional operands must be graph-produced values.
// A literal operand (x * 0.5) or an attribute operand fails the guard.
func BinaryOperandsGraphProduced(site CallSite) bool {
	args := site.Node.Args
	if len(args) < 2 {
		return false
	}
	return GraphProduced(site, args[0]) && GraphProduced(site, args[1])
}
