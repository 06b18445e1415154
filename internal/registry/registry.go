// Package registry holds the closed replacement tables consulted by the
// rewrite engine.
//
// A Registry maps a MatchKey (module type, function identity or method
// name) to an Entry carrying the replacement constructor, an optional
// operand-provenance guard and an optional name suffix. Tables are built
// once and never mutated afterwards; lookups are plain map reads.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
)

// Kind discriminates the three match-key families.
type Kind int

const (
	// KindModule matches a call_module node by the concrete type of the invoked submodule.
	KindModule Kind = iota + 1
	// KindFunction matches a call_function node by canonical function identity.
	KindFunction
	// KindMethod matches a call_method node by method name.
	KindMethod
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindFunction:
		return "function"
	case KindMethod:
		return "method"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MatchKey identifies one registry entry.
type MatchKey struct {
	Kind Kind
	Name string
}

// String implements fmt.Stringer.
func (k MatchKey) String() string {
	return k.Kind.String() + ":" + k.Name
}

// ModuleKey returns the key for a module type name.
func ModuleKey(typeName string) MatchKey { return MatchKey{Kind: KindModule, Name: typeName} }

// FunctionKey returns the key for a canonical function identity.
func FunctionKey(identity string) MatchKey { return MatchKey{Kind: KindFunction, Name: identity} }

// MethodKey returns the key for a method name.
func MethodKey(name string) MatchKey { return MatchKey{Kind: KindMethod, Name: name} }

// BuildFunc instantiates a replacement module.
//
// For module entries src is the submodule being replaced; for function and
// method entries it is nil. init holds the literal keyword arguments the
// constructor accepts (see Constructor.Params).
type BuildFunc func(src nn.Module, init map[string]ir.IRValue) (nn.Module, error)

// Constructor builds replacement modules.
type Constructor struct {
	// Params lists the keyword argument names consumed at construction time.
	// Keyword arguments not listed here are forwarded at call time.
	Params []string
	Build  BuildFunc
}

// Accepts reports whether name is a construction-time parameter.
func (c Constructor) Accepts(name string) bool {
	return slices.Contains(c.Params, name)
}

// CallSite is what a Guard inspects: the node being classified and the op
// kind of every node it may reference.
type CallSite struct {
	Node *ir.Node
	// OpOf returns the op of a previously seen node.
	OpOf func(name string) (ir.OpKind, bool)
}

// Guard gates a match on operand provenance. Returning false leaves the
// node as a pass-through.
type Guard func(site CallSite) bool

// Entry is one row of a replacement table.
type Entry struct {
	Key         MatchKey
	Constructor Constructor
	Guard       Guard
	// Suffix names synthesized submodules ("scope.<suffix>"). Empty means
	// the function or method name is used.
	Suffix string
	// TypeName is the type name of the replacement module, for reporting.
	TypeName string
}

// Registry is an immutable set of entries keyed by MatchKey.
type Registry struct {
	entries map[MatchKey]*Entry
}

// ErrDuplicateKey is returned by New when two entries share a key.
var ErrDuplicateKey = errors.New("duplicate registry key")

// New builds a Registry. Entries must have a valid kind, a non-empty name and
// a Build function; keys must be unique.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[MatchKey]*Entry, len(entries))}
	var errs []error
	for i := range entries {
		e := entries[i]
		switch {
		case e.Key.Kind < KindModule || e.Key.Kind > KindMethod:
			errs = append(errs, fmt.Errorf("entry %d: invalid kind %v", i, e.Key.Kind))
			continue
		case strings.TrimSpace(e.Key.Name) == "":
			errs = append(errs, fmt.Errorf("entry %d: empty %s name", i, e.Key.Kind))
			continue
		case e.Constructor.Build == nil:
			errs = append(errs, fmt.Errorf("entry %s: nil constructor", e.Key))
			continue
		}
		if _, dup := r.entries[e.Key]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key))
			continue
		}
		r.entries[e.Key] = &e
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// MustNew is like New but panics on error.
// Use only for static tables known to be valid.
func MustNew(entries ...Entry) *Registry {
	r, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the entry for key.
func (r *Registry) Lookup(key MatchKey) (*Entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Keys returns all keys sorted by kind, then name.
func (r *Registry) Keys() []MatchKey {
	keys := make([]MatchKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b MatchKey) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return keys
}

// With returns a new Registry holding r's entries plus extra.
// Extra entries replace existing ones with the same key.
func (r *Registry) With(extra ...Entry) (*Registry, error) {
	merged := make([]Entry, 0, len(r.entries)+len(extra))
	override := make(map[MatchKey]bool, len(extra))
	for _, e := range extra {
		override[e.Key] = true
	}
	for _, k := range r.Keys() {
		if !override[k] {
			merged = append(merged, *r.entries[k])
		}
	}
	merged = append(merged, extra...)
	return New(merged...)
}
