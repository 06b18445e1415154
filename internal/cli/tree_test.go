package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/numerics"
)

type treeResponse struct {
	Status string      `json:"status"`
	Data   []TreeEntry `json:"data"`
}

func TestTree_Text(t *testing.T) {
	out, err := execute(t, NewTreeCommand, "text", scenarioPath("residual_block"))
	require.NoError(t, err)
	assert.Equal(t, "(root)\n  block\n    linear\n    resadd\n    resadd_1\n", out)
}

func TestTree_Types(t *testing.T) {
	out, err := execute(t, NewTreeCommand, "text", scenarioPath("residual_block"), "--types")
	require.NoError(t, err)
	assert.Contains(t, out, "    linear ("+numerics.TypeLinear+")\n")
	assert.Contains(t, out, "    resadd_1 ("+numerics.TypeResAdd+")\n")
	assert.NotContains(t, out, nn.TypeLinear)
}

func TestTree_JSON(t *testing.T) {
	out, err := execute(t, NewTreeCommand, "json", scenarioPath("residual_block"), "--config", "BASIC")
	require.NoError(t, err)

	var resp treeResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	byPath := map[string]TreeEntry{}
	for _, e := range resp.Data {
		byPath[e.Path] = e
	}
	require.Len(t, byPath, 5)
	assert.Nil(t, byPath["block"].Config)

	linear := byPath["block.linear"]
	assert.Equal(t, numerics.TypeLinear, linear.Type)
	require.NotNil(t, linear.Config)
	assert.Equal(t, numerics.BFLOAT16, linear.Config.WeightFormat)
	require.NotNil(t, byPath["block.resadd"].Config)
}

func TestTree_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing scenario", []string{filepath.Join(t.TempDir(), "missing.yaml")}, "Error [E002]"},
		{"unknown config", []string{scenarioPath("residual_block"), "--config", "NOPE"}, "illegal configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewTreeCommand, "text", tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, tt.want)
		})
	}
}
