// Package model is the entry point of fxaware.
//
// Transform traces a model, indexes the trace's scopes, rewrites the graph
// with the replacement registry and binds the result to a Model. A Model is
// called with the original forward's parameter names:
//
//	m, err := model.Transform(tree, []string{"input_ids", "attention_mask"})
//	out, err := m.Call(nil, map[string]any{"input_ids": ids, "attention_mask": mask})
//
// After transformation the numerics of every replacement module can be set
// per path (Configure with a Configuration) or by rules (see package config).
package model
