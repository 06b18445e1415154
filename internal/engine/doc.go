// Package engine implements the graph-transformation pass of fxaware.
//
// The engine walks a traced graph and rewrites matched call-sites into calls
// of numerically-instrumented replacement modules, preserving data flow and
// naming fidelity.
//
// ARCHITECTURE:
//
// Scope Index (scope.go):
// Built once per transformation from the module tree and the tracer's
// attribution. Maps every call-site name to the scope it came from.
//
// Matcher (matcher.go):
// Classifies each node as pass-through or replace by registry lookup,
// applying the entry's operand-provenance guard when present.
//
// Rewriter (engine.go):
// Emits one image per original node in graph order. Replacements are
// instantiated, registered into the module tree under a freshly allocated
// qualified name, and bound by a call_module node.
//
// CRITICAL PATTERNS:
//
// Determinism:
// Nodes are processed in graph order; keyword arguments in sorted order.
// Given the same graph and a fresh allocator, the output graph and the
// allocated names are identical on every run.
//
// One allocator per transformation:
// The naming.Namespace is passed explicitly and owned by one rewrite.
// Independent models may be transformed concurrently, each with its own
// allocator and tree.
//
// Fail whole:
// Attribution and construction failures abort the pass. No partial graph is
// returned. Guard and lookup misses are normal pass-through, not errors.
package engine
