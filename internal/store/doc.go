// Package store provides a SQLite-backed ledger of fxaware transformation
// runs.
//
// Each run records what a transformation produced:
//   - Runs: scenario, configuration, source and result fingerprints, and a
//     msgpack snapshot of the transformed graph
//   - Replacements: every node the rewriter swapped, in rewrite order
//   - Module configs: the numeric configuration of each replacement module
//
// Runs are append-only. Replaying a scenario and comparing it to its recorded
// run (Compare) is how determinism is checked across versions and machines.
//
// # Ordering
//
// Runs are ordered by seq, a logical clock assigned at insert time, never by
// created_at. created_at is informational only.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Graph fingerprints come from internal/ir/hash.go (canonical JSON and
// SHA-256 with domain separation).
package store
