// Package ir provides the traced-graph intermediate representation for fxaware.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the graph IR the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - A Graph is an ordered list of call-site nodes in definition-before-use
//     order; every Ref argument names an earlier node (SSA)
//   - Node names are unique within a Graph
//   - Literal arguments are sealed IRValue types; floats are allowed but
//     NaN and Inf are rejected by canonical marshaling
//   - All JSON tags use snake_case
package ir
