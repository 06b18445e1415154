package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayResponse struct {
	Status string        `json:"status"`
	Data   ReplaySummary `json:"data"`
	Error  *CLIError     `json:"error"`
}

// recordScenarios transforms each scenario into a fresh ledger and returns
// its path.
func recordScenarios(t *testing.T, args []string, names ...string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	for _, name := range names {
		_, err := execute(t, NewTransformCommand, "text", append([]string{scenarioPath(name), "--db", dbPath}, args...)...)
		require.NoError(t, err)
	}
	return dbPath
}

func TestReplay_Deterministic(t *testing.T) {
	dbPath := recordScenarios(t, nil, "residual_block", "scaled_literal")

	out, err := execute(t, NewReplayCommand, "text", scenarioPath("residual_block"), scenarioPath("scaled_literal"), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 2 run(s)")
	assert.Contains(t, out, "✓ residual_block (config BASELINE)")
	assert.Contains(t, out, "✓ scaled_literal (config BASELINE)")
	assert.Contains(t, out, "All runs reproduced")
}

func TestReplay_JSON(t *testing.T) {
	dbPath := recordScenarios(t, []string{"--config", "BASIC"}, "attention_scale")

	out, err := execute(t, NewReplayCommand, "json", scenarioPath("attention_scale"), "--db", dbPath, "--config", "BASIC")
	require.NoError(t, err)

	var resp replayResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	assert.Equal(t, 1, resp.Data.TotalRuns)
	require.Len(t, resp.Data.Runs, 1)
	run := resp.Data.Runs[0]
	assert.Equal(t, "attention_scale", run.Scenario)
	assert.Equal(t, "BASIC", run.Config)
	assert.NotEmpty(t, run.RunID)
	assert.Empty(t, run.Divergences)
	assert.True(t, run.Deterministic())
}

func TestReplay_DetectsChangedConfiguration(t *testing.T) {
	configs := t.TempDir()
	cfgPath := filepath.Join(configs, "custom.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
rules: [{
	module_types: ["Linear"]
	config: {output_format: "FP16"}
}]
`), 0o644))
	dbPath := recordScenarios(t, []string{"--configs", configs, "--config", "custom"}, "residual_block")

	require.NoError(t, os.WriteFile(cfgPath, []byte(`
rules: [{
	module_types: ["Linear"]
	config: {output_format: "BFLOAT16"}
}]
`), 0o644))

	out, err := execute(t, NewReplayCommand, "json", scenarioPath("residual_block"), "--db", dbPath, "--configs", configs, "--config", "custom")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp replayResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DETERMINISM", resp.Error.Code)
	assert.False(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Runs, 1)
	require.Len(t, resp.Data.Runs[0].Divergences, 1)
	d := resp.Data.Runs[0].Divergences[0]
	assert.Equal(t, "modules.block.linear.output_format", d.Field)
	assert.Equal(t, "FP16", d.Recorded)
	assert.Equal(t, "BFLOAT16", d.Replayed)
}

func TestReplay_DivergenceText(t *testing.T) {
	configs := t.TempDir()
	cfgPath := filepath.Join(configs, "custom.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`model: {"block.resadd": {output_format: "FP16"}}`), 0o644))
	dbPath := recordScenarios(t, []string{"--configs", configs, "--config", "custom"}, "residual_block")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`model: {"block.resadd": {output_format: "INT8"}}`), 0o644))

	out, err := execute(t, NewReplayCommand, "text", scenarioPath("residual_block"), "--db", dbPath, "--configs", configs, "--config", "custom")
	require.Error(t, err)
	assert.Contains(t, out, "✗ residual_block (config custom)")
	assert.Contains(t, out, `modules.block.resadd.output_format: recorded "FP16", replayed "INT8"`)
	assert.Contains(t, out, "Determinism verification failed")
}

func TestReplay_NoRecordedRun(t *testing.T) {
	dbPath := recordScenarios(t, nil, "residual_block")

	out, err := execute(t, NewReplayCommand, "text", scenarioPath("residual_block"), "--db", dbPath, "--config", "BASIC")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "no recorded run of residual_block with config BASIC")
}

func TestReplay_NonExistentDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "missing.db")

	out, err := execute(t, NewReplayCommand, "text", scenarioPath("residual_block"), "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "database not found")
	_, statErr := os.Stat(dbPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReplay_MissingArgs(t *testing.T) {
	_, err := execute(t, NewReplayCommand, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}
