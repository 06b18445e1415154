package ir

import (
	"encoding/json"
	"fmt"
)

// Argument wire form: exactly one of these keys is present.
//
//	{"ref": "linear"}
//	{"lit": 1.5}
//	{"list": [{"ref": "x"}, {"lit": 2}]}
const (
	argKeyRef  = "ref"
	argKeyLit  = "lit"
	argKeyList = "list"
)

// ArgumentToIR encodes an argument as an IRValue.
func ArgumentToIR(a Argument) (IRValue, error) {
	switch v := a.(type) {
	case Ref:
		return IRObject{argKeyRef: IRString(v.Node)}, nil
	case Lit:
		if v.Value == nil {
			return IRObject{argKeyLit: IRNull{}}, nil
		}
		return IRObject{argKeyLit: v.Value}, nil
	case List:
		arr := make(IRArray, len(v))
		for i, elem := range v {
			enc, err := ArgumentToIR(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			arr[i] = enc
		}
		return IRObject{argKeyList: arr}, nil
	default:
		return nil, fmt.Errorf("unknown argument type: %T", a)
	}
}

// ArgumentFromIR decodes an argument from its IRValue wire form.
func ArgumentFromIR(v IRValue) (Argument, error) {
	obj, ok := v.(IRObject)
	if !ok || len(obj) != 1 {
		return nil, fmt.Errorf("argument must be an object with exactly one key, got %T", v)
	}

	if raw, ok := obj[argKeyRef]; ok {
		name, ok := raw.(IRString)
		if !ok {
			return nil, fmt.Errorf("ref must be a string, got %T", raw)
		}
		return Ref{Node: string(name)}, nil
	}
	if raw, ok := obj[argKeyLit]; ok {
		return Lit{Value: raw}, nil
	}
	if raw, ok := obj[argKeyList]; ok {
		arr, ok := raw.(IRArray)
		if !ok {
			return nil, fmt.Errorf("list must be an array, got %T", raw)
		}
		out := make(List, len(arr))
		for i, elem := range arr {
			dec, err := ArgumentFromIR(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = dec
		}
		return out, nil
	}
	return nil, fmt.Errorf("argument has unknown key (want ref, lit or list)")
}

// ToIR encodes the node as an IRObject.
func (n *Node) ToIR() (IRObject, error) {
	args := make(IRArray, len(n.Args))
	for i, a := range n.Args {
		enc, err := ArgumentToIR(a)
		if err != nil {
			return nil, fmt.Errorf("node %q args[%d]: %w", n.Name, i, err)
		}
		args[i] = enc
	}

	kwargs := make(IRObject, len(n.Kwargs))
	for k, a := range n.Kwargs {
		enc, err := ArgumentToIR(a)
		if err != nil {
			return nil, fmt.Errorf("node %q kwargs[%q]: %w", n.Name, k, err)
		}
		kwargs[k] = enc
	}

	return IRObject{
		"name":   IRString(n.Name),
		"op":     IRString(n.Op),
		"target": IRString(n.Target),
		"args":   args,
		"kwargs": kwargs,
	}, nil
}

// NodeFromIR decodes a node from its IRObject form.
func NodeFromIR(obj IRObject) (*Node, error) {
	str := func(key string) (string, error) {
		v, ok := obj[key].(IRString)
		if !ok {
			return "", fmt.Errorf("node field %q must be a string", key)
		}
		return string(v), nil
	}

	name, err := str("name")
	if err != nil {
		return nil, err
	}
	op, err := str("op")
	if err != nil {
		return nil, err
	}
	target, err := str("target")
	if err != nil {
		return nil, err
	}

	n := &Node{Name: name, Op: OpKind(op), Target: target}

	if raw, ok := obj["args"]; ok {
		arr, ok := raw.(IRArray)
		if !ok {
			return nil, fmt.Errorf("node %q: args must be an array", name)
		}
		n.Args = make([]Argument, len(arr))
		for i, elem := range arr {
			a, err := ArgumentFromIR(elem)
			if err != nil {
				return nil, fmt.Errorf("node %q args[%d]: %w", name, i, err)
			}
			n.Args[i] = a
		}
	}

	if raw, ok := obj["kwargs"]; ok {
		kw, ok := raw.(IRObject)
		if !ok {
			return nil, fmt.Errorf("node %q: kwargs must be an object", name)
		}
		if len(kw) > 0 {
			n.Kwargs = make(map[string]Argument, len(kw))
		}
		for k, elem := range kw {
			a, err := ArgumentFromIR(elem)
			if err != nil {
				return nil, fmt.Errorf("node %q kwargs[%q]: %w", name, k, err)
			}
			n.Kwargs[k] = a
		}
	}

	return n, nil
}

// ToIR encodes the graph as an IRObject.
func (g *Graph) ToIR() (IRObject, error) {
	nodes := make(IRArray, len(g.Nodes))
	for i, n := range g.Nodes {
		enc, err := n.ToIR()
		if err != nil {
			return nil, err
		}
		nodes[i] = enc
	}
	return IRObject{"nodes": nodes}, nil
}

// GraphFromIR decodes a graph from its IRObject form.
func GraphFromIR(obj IRObject) (*Graph, error) {
	arr, ok := obj["nodes"].(IRArray)
	if !ok {
		return nil, fmt.Errorf("graph: nodes must be an array")
	}
	g := &Graph{Nodes: make([]*Node, len(arr))}
	for i, elem := range arr {
		nodeObj, ok := elem.(IRObject)
		if !ok {
			return nil, fmt.Errorf("graph: nodes[%d] must be an object", i)
		}
		n, err := NodeFromIR(nodeObj)
		if err != nil {
			return nil, fmt.Errorf("graph: nodes[%d]: %w", i, err)
		}
		g.Nodes[i] = n
	}
	return g, nil
}

// MarshalJSON implements json.Marshaler using the argument wire form.
func (g *Graph) MarshalJSON() ([]byte, error) {
	obj, err := g.ToIR()
	if err != nil {
		return nil, err
	}
	return obj.MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler using the argument wire form.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var obj IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	dec, err := GraphFromIR(obj)
	if err != nil {
		return err
	}
	*g = *dec
	return nil
}
