package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph() *Graph {
	return &Graph{Nodes: []*Node{
		{Name: "x", Op: OpPlaceholder, Target: "x"},
		{Name: "linear", Op: OpCallModule, Target: "linear", Args: []Argument{R("x")}},
		{Name: "add", Op: OpCallFunction, Target: "operator.add", Args: []Argument{R("linear"), R("x")}},
		{Name: "mul", Op: OpCallFunction, Target: "operator.mul", Args: []Argument{R("add"), L(IRFloat(0.5))}},
		{Name: "output", Op: OpOutput, Target: "output", Args: []Argument{R("mul")}},
	}}
}

func TestGraphFingerprintDeterminism(t *testing.T) {
	fp1, err := GraphFingerprint(sampleGraph())
	require.NoError(t, err)

	fp2, err := GraphFingerprint(sampleGraph())
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2, "GraphFingerprint must be deterministic")
	assert.Len(t, fp1, 64, "SHA-256 hex is 64 characters")
}

func TestGraphFingerprintChangesWithStructure(t *testing.T) {
	base := MustGraphFingerprint(sampleGraph())

	tests := []struct {
		name   string
		mutate func(g *Graph)
	}{
		{"renamed node", func(g *Graph) { g.Nodes[1].Name = "linear_1" }},
		{"changed target", func(g *Graph) { g.Nodes[2].Target = "operator.sub" }},
		{"changed op", func(g *Graph) { g.Nodes[1].Op = OpCallMethod }},
		{"changed literal", func(g *Graph) { g.Nodes[3].Args[1] = L(IRFloat(0.25)) }},
		{"literal vs ref", func(g *Graph) { g.Nodes[3].Args[1] = R("x") }},
		{"added kwarg", func(g *Graph) { g.Nodes[3].Kwargs = map[string]Argument{"alpha": L(IRInt(1))} }},
		{"swapped operands", func(g *Graph) { g.Nodes[2].Args[0], g.Nodes[2].Args[1] = g.Nodes[2].Args[1], g.Nodes[2].Args[0] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := sampleGraph()
			tt.mutate(g)
			assert.NotEqual(t, base, MustGraphFingerprint(g))
		})
	}
}

func TestGraphFingerprintIgnoresEmptyKwargsMap(t *testing.T) {
	g1 := sampleGraph()
	g2 := sampleGraph()
	g2.Nodes[1].Kwargs = map[string]Argument{}

	assert.Equal(t, MustGraphFingerprint(g1), MustGraphFingerprint(g2))
}

func TestGraphFingerprintRejectsNonFinite(t *testing.T) {
	g := sampleGraph()
	g.Nodes[3].Args[1] = L(IRFloat(math.NaN()))

	_, err := GraphFingerprint(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GraphFingerprint")
}

func TestReplacementsHash(t *testing.T) {
	a := map[string]string{"linear": "dmx.Linear", "block.resadd": "dmx.ResAdd"}
	b := map[string]string{"block.resadd": "dmx.ResAdd", "linear": "dmx.Linear"}

	ha, err := ReplacementsHash(a)
	require.NoError(t, err)
	hb, err := ReplacementsHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "map insertion order must not matter")

	hc, err := ReplacementsHash(map[string]string{"linear": "dmx.Linear"})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	data := []byte(`{"nodes":[]}`)
	assert.NotEqual(t, hashWithDomain(DomainGraph, data), hashWithDomain(DomainReplacements, data))
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	h := sha256.New()
	h.Write([]byte("fxaware/graph/v1"))
	h.Write([]byte{0x00})
	h.Write([]byte("payload"))
	expected := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, expected, hashWithDomain(DomainGraph, []byte("payload")))
}

func TestMustGraphFingerprintPanics(t *testing.T) {
	g := &Graph{Nodes: []*Node{{Name: "c", Op: OpGetAttr, Target: "c", Args: []Argument{L(IRFloat(math.Inf(1)))}}}}
	assert.Panics(t, func() { MustGraphFingerprint(g) })
}
