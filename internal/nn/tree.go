package nn

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoSubmodule is returned when a path does not name a submodule.
var ErrNoSubmodule = errors.New("no such submodule")

type treeNode struct {
	module   Module
	children map[string]*treeNode
	order    []string
}

func newTreeNode(m Module) *treeNode {
	return &treeNode{module: m, children: make(map[string]*treeNode)}
}

func (n *treeNode) child(name string) (*treeNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *treeNode) setChild(name string, c *treeNode) {
	if _, exists := n.children[name]; !exists {
		n.order = append(n.order, name)
	}
	n.children[name] = c
}

// Tree is the named-module hierarchy of a model. Paths are dot-separated
// ("encoder.layer.0.attention"); the root has path "".
//
// CRITICAL: A Tree is mutated in place by a transformation. Callers must not
// read or modify it concurrently while a transformation is in progress.
type Tree struct {
	root    *treeNode
	buffers map[string]any
}

// NewTree returns a tree with the given root module. A nil root becomes
// an empty Container.
func NewTree(root Module) *Tree {
	if root == nil {
		root = &Container{}
	}
	return &Tree{root: newTreeNode(root), buffers: make(map[string]any)}
}

// Root returns the root module.
func (t *Tree) Root() Module {
	return t.root.module
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid module path %q: empty segment", path)
		}
	}
	return parts, nil
}

// Add installs m at path. Missing intermediate modules are created as empty
// Containers. An existing module at path is replaced together with its
// subtree.
func (t *Tree) Add(path string, m Module) error {
	if m == nil {
		return fmt.Errorf("add %q: nil module", path)
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("add: cannot replace the root module")
	}

	cur := t.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur.child(p)
		if !ok {
			next = newTreeNode(&Container{})
			cur.setChild(p, next)
		}
		cur = next
	}
	cur.setChild(parts[len(parts)-1], newTreeNode(m))
	return nil
}

func (t *Tree) lookup(path string) (*treeNode, bool) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	cur := t.root
	for _, p := range parts {
		next, ok := cur.child(p)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Get returns the module at path.
func (t *Tree) Get(path string) (Module, bool) {
	n, ok := t.lookup(path)
	if !ok {
		return nil, false
	}
	return n.module, true
}

// MustGet returns the module at path or an error wrapping ErrNoSubmodule.
func (t *Tree) MustGet(path string) (Module, error) {
	m, ok := t.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSubmodule, path)
	}
	return m, nil
}

// Has reports whether path names a module.
func (t *Tree) Has(path string) bool {
	_, ok := t.lookup(path)
	return ok
}

// Children returns the direct child names of path in insertion order.
func (t *Tree) Children(path string) []string {
	n, ok := t.lookup(path)
	if !ok {
		return nil
	}
	return append([]string(nil), n.order...)
}

// Named is one entry of Tree.Named.
type Named struct {
	Path   string
	Module Module
}

// Named returns every module in pre-order, children in insertion order.
// The root comes first with path "".
func (t *Tree) Named() []Named {
	var out []Named
	var walk func(prefix string, n *treeNode)
	walk = func(prefix string, n *treeNode) {
		out = append(out, Named{Path: prefix, Module: n.module})
		for _, name := range n.order {
			p := name
			if prefix != "" {
				p = prefix + "." + name
			}
			walk(p, n.children[name])
		}
	}
	walk("", t.root)
	return out
}

// Len returns the number of modules, root included.
func (t *Tree) Len() int {
	return len(t.Named())
}

// SetBuffer stores a constant under a dotted path (owner path + "." + name)
// for get_attr nodes that do not resolve to a module parameter.
func (t *Tree) SetBuffer(path string, v any) {
	t.buffers[path] = v
}

// Attr resolves a get_attr target: first a parameter of the owning module,
// then a buffer registered with SetBuffer.
func (t *Tree) Attr(path string) (any, error) {
	owner, name := "", path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		owner, name = path[:i], path[i+1:]
	}
	if m, ok := t.Get(owner); ok {
		if a, ok := m.(Attributed); ok {
			if v, ok := a.Attr(name); ok {
				return v, nil
			}
		}
	}
	if v, ok := t.buffers[path]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no attribute %q", path)
}

// Clone returns a structural copy of the tree. Modules are shared; adding or
// replacing modules in the clone does not affect the original.
func (t *Tree) Clone() *Tree {
	var cp func(n *treeNode) *treeNode
	cp = func(n *treeNode) *treeNode {
		out := newTreeNode(n.module)
		for _, name := range n.order {
			out.setChild(name, cp(n.children[name]))
		}
		return out
	}
	out := &Tree{root: cp(t.root), buffers: make(map[string]any, len(t.buffers))}
	for k, v := range t.buffers {
		out.buffers[k] = v
	}
	return out
}

// Print writes the tree one module per line in pre-order, each child
// indented under its parent. withTypes appends the module type name.
func (t *Tree) Print(w io.Writer, withTypes bool) error {
	for _, nm := range t.Named() {
		name, depth := "(root)", 0
		if nm.Path != "" {
			depth = strings.Count(nm.Path, ".") + 1
			name = nm.Path[strings.LastIndexByte(nm.Path, '.')+1:]
		}
		line := strings.Repeat("  ", depth) + name
		if withTypes && nm.Module != nil {
			line += " (" + nm.Module.TypeName() + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
