package store

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/fxaware/internal/ir"
)

// Current snapshot schema; increment when graphSnapshot changes.
const snapshotSchema uint16 = 1

// graphSnapshot is the msgpack envelope stored in runs.graph. The graph
// itself is kept in its canonical JSON wire form so that decoding restores
// exact argument types.
type graphSnapshot struct {
	Schema      uint16   `msgpack:"schema"`
	IRVersion   string   `msgpack:"ir_version"`
	Fingerprint string   `msgpack:"fingerprint"`
	Names       []string `msgpack:"names"`
	Graph       []byte   `msgpack:"graph"`
}

// marshalGraph encodes g as a snapshot blob.
func marshalGraph(g *ir.Graph) ([]byte, error) {
	obj, err := g.ToIR()
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	canonical, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	fp, err := ir.GraphFingerprint(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	data, err := msgpack.Marshal(&graphSnapshot{
		Schema:      snapshotSchema,
		IRVersion:   ir.IRVersion,
		Fingerprint: fp,
		Names:       g.Names(),
		Graph:       canonical,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	return data, nil
}

// unmarshalGraph decodes a snapshot blob and checks the decoded graph still
// has the fingerprint it was stored with.
func unmarshalGraph(data []byte) (*ir.Graph, error) {
	var snap graphSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if snap.Schema != snapshotSchema {
		return nil, fmt.Errorf("unmarshal graph: snapshot schema %d, want %d", snap.Schema, snapshotSchema)
	}
	var g ir.Graph
	if err := json.Unmarshal(snap.Graph, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	fp, err := ir.GraphFingerprint(&g)
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if fp != snap.Fingerprint {
		return nil, fmt.Errorf("unmarshal graph: fingerprint mismatch: stored %s, decoded %s", snap.Fingerprint, fp)
	}
	return &g, nil
}

// marshalNames converts a name list to JSON TEXT for storage.
func marshalNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("marshal names: %w", err)
	}
	return string(data), nil
}

// unmarshalNames parses JSON TEXT to a name list. Empty lists decode as nil.
func unmarshalNames(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("unmarshal names: %w", err)
	}
	return names, nil
}
