package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/fxaware/internal/engine"
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/numerics"
)

// Run is one recorded transformation.
type Run struct {
	ID       string
	Seq      int64
	Scenario string
	// Config is the name of the numeric configuration applied after the
	// rewrite.
	Config string

	SourceFingerprint string
	Fingerprint       string
	ReplacementsHash  string
	EngineVersion     string
	IRVersion         string

	// Graph is the transformed graph. Integral float literals decode as
	// integers; fingerprints are unaffected.
	Graph        *ir.Graph
	Replacements []engine.Replacement
	Modules      map[string]numerics.ModuleConfig
	GuardMisses  []string

	CreatedAt time.Time
}

// ErrIncompleteRun is returned when a run is recorded without a graph or
// scenario.
var ErrIncompleteRun = errors.New("incomplete run")

// ReplacementsHash returns the content hash of a replacement list
// (qualified target -> replacement type).
func ReplacementsHash(reps []engine.Replacement) (string, error) {
	m := make(map[string]string, len(reps))
	for _, r := range reps {
		m[r.Target] = r.Type
	}
	return ir.ReplacementsHash(m)
}

// RecordRun appends run to the ledger. ID, Seq, CreatedAt, Fingerprint,
// ReplacementsHash and the version fields are assigned by the store and
// written back into run.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if run.Graph == nil || run.Scenario == "" {
		return fmt.Errorf("record run: %w: scenario and graph are required", ErrIncompleteRun)
	}

	fp, err := ir.GraphFingerprint(run.Graph)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	repHash, err := ReplacementsHash(run.Replacements)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	blob, err := marshalGraph(run.Graph)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	misses, err := marshalNames(run.GuardMisses)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM runs`).Scan(&seq); err != nil {
		return fmt.Errorf("record run: next seq: %w", err)
	}

	id := run.ID
	if id == "" {
		id = s.ids.Generate()
	}
	created := s.clock.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, seq, scenario, config, source_fingerprint, fingerprint, replacements_hash,
		 guard_misses, engine_version, ir_version, graph, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		seq,
		run.Scenario,
		run.Config,
		run.SourceFingerprint,
		fp,
		repHash,
		misses,
		ir.EngineVersion,
		ir.IRVersion,
		blob,
		created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	for i, r := range run.Replacements {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO replacements (run_id, ordinal, node, new_node, target, module_type)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, i, r.Node, r.NewNode, r.Target, r.Type)
		if err != nil {
			return fmt.Errorf("record run: replacement %d: %w", i, err)
		}
	}

	for _, path := range slices.Sorted(maps.Keys(run.Modules)) {
		c := run.Modules[path].Normalize()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO module_configs (run_id, path, input_format, output_format, weight_format)
			VALUES (?, ?, ?, ?, ?)
		`, id, path, string(c.InputFormat), string(c.OutputFormat), string(c.WeightFormat))
		if err != nil {
			return fmt.Errorf("record run: module %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record run: commit: %w", err)
	}

	run.ID = id
	run.Seq = seq
	run.CreatedAt = created
	run.Fingerprint = fp
	run.ReplacementsHash = repHash
	run.EngineVersion = ir.EngineVersion
	run.IRVersion = ir.IRVersion
	return nil
}
