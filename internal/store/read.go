package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fxaware/internal/engine"
	"github.com/roach88/fxaware/internal/numerics"
)

// ErrRunNotFound is returned when no run matches a lookup.
var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, seq, scenario, config, source_fingerprint, fingerprint, replacements_hash,
	guard_misses, engine_version, ir_version, graph, created_at`

// ReadRun returns the run with the given id, including its graph,
// replacements and module configurations.
func (s *Store) ReadRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	if err := s.loadRows(ctx, run); err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	return run, nil
}

// LatestRun returns the most recent run of scenario under config.
func (s *Store) LatestRun(ctx context.Context, scenario, config string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE scenario = ? AND config = ?
		ORDER BY seq DESC
		LIMIT 1
	`, scenario, config)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("latest run of %s/%s: %w", scenario, config, err)
	}
	if err := s.loadRows(ctx, run); err != nil {
		return nil, fmt.Errorf("latest run of %s/%s: %w", scenario, config, err)
	}
	return run, nil
}

// ListRuns returns the runs of scenario ordered by seq, or every run when
// scenario is empty. Listed runs carry their header fields and graph only;
// use ReadRun for replacements and module configurations.
//
// Returns an empty slice (not nil) if there are no runs.
func (s *Store) ListRuns(ctx context.Context, scenario string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY seq ASC`
	var args []any
	if scenario != "" {
		query = `SELECT ` + runColumns + ` FROM runs WHERE scenario = ? ORDER BY seq ASC`
		args = append(args, scenario)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RunsReplacing returns the ids of runs that replaced the module at target,
// ordered by seq.
func (s *Store) RunsReplacing(ctx context.Context, target string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.id, r.seq
		FROM runs r
		JOIN replacements p ON p.run_id = r.id
		WHERE p.target = ?
		ORDER BY r.seq ASC
	`, target)
	if err != nil {
		return nil, fmt.Errorf("runs replacing %s: %w", target, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var (
			id  string
			seq int64
		)
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run     Run
		misses  string
		blob    []byte
		created string
	)
	err := sc.Scan(
		&run.ID,
		&run.Seq,
		&run.Scenario,
		&run.Config,
		&run.SourceFingerprint,
		&run.Fingerprint,
		&run.ReplacementsHash,
		&misses,
		&run.EngineVersion,
		&run.IRVersion,
		&blob,
		&created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.GuardMisses, err = unmarshalNames(misses); err != nil {
		return nil, err
	}
	if run.Graph, err = unmarshalGraph(blob); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &run, nil
}

// loadRows fills the replacement and module configuration rows of run.
func (s *Store) loadRows(ctx context.Context, run *Run) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node, new_node, target, module_type
		FROM replacements
		WHERE run_id = ?
		ORDER BY ordinal ASC
	`, run.ID)
	if err != nil {
		return fmt.Errorf("query replacements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r engine.Replacement
		if err := rows.Scan(&r.Node, &r.NewNode, &r.Target, &r.Type); err != nil {
			return fmt.Errorf("scan replacement: %w", err)
		}
		run.Replacements = append(run.Replacements, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate replacements: %w", err)
	}

	cfgRows, err := s.db.QueryContext(ctx, `
		SELECT path, input_format, output_format, weight_format
		FROM module_configs
		WHERE run_id = ?
		ORDER BY path COLLATE BINARY ASC
	`, run.ID)
	if err != nil {
		return fmt.Errorf("query module configs: %w", err)
	}
	defer cfgRows.Close()

	run.Modules = make(map[string]numerics.ModuleConfig)
	for cfgRows.Next() {
		var (
			path    string
			in, out string
			weight  string
		)
		if err := cfgRows.Scan(&path, &in, &out, &weight); err != nil {
			return fmt.Errorf("scan module config: %w", err)
		}
		run.Modules[path] = numerics.ModuleConfig{
			InputFormat:  numerics.Format(in),
			OutputFormat: numerics.Format(out),
			WeightFormat: numerics.Format(weight),
		}
	}
	if err := cfgRows.Err(); err != nil {
		return fmt.Errorf("iterate module configs: %w", err)
	}
	return nil
}
