// Package harness runs transformation scenarios: it builds a model, rewrites
// it, applies a numeric configuration, records the run in the ledger and
// checks assertions against the result.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: residual_block
//	description: "Residual adds become ResAdd modules"
//	model:
//	  builtin: residual
//	  dim: 4
//	config: BASIC
//	assertions:
//	  - type: replaced
//	    node: add
//	    target: block.resadd
//	    module: ResAdd
//	  - type: node_order
//	    names: [x, block_linear, block_resadd, block_resadd_1, output]
//	  - type: final_state
//	    table: replacements
//	    where: { ordinal: 1 }
//	    expect: { new_node: block_resadd }
//
// The model is either a builtin fixture or an inline graph (see GraphSpec).
//
// # Assertion Types
//
//   - replaced: a node was replaced by a module at a path, optionally of a type
//   - not_replaced: a node passed through unchanged
//   - guard_missed: a node matched a registry key but its guard rejected it
//   - node_order: the transformed graph has exactly the listed node names
//   - replacement_count: the number of replacements
//   - module_config: the formats of one replacement module
//   - matches_source: transformed output equals the source output within a tolerance
//   - final_state: queries a ledger table and verifies expected values
//
// # Deterministic Testing
//
// Each scenario records into a fresh in-memory ledger with a deterministic
// clock (testutil.DeterministicClock) and sequential run ids
// ("<scenario>-0001"), so ledger rows and golden snapshots are identical
// across runs.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/residual.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
