package harness

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fxaware/internal/config"
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/model"
	"github.com/roach88/fxaware/internal/store"
	"github.com/roach88/fxaware/internal/testutil"
	"github.com/roach88/fxaware/internal/trace"
)

// Option configures scenario execution.
type Option func(*options)

type options struct {
	store      *store.Store
	configsDir string
	configName string
	logger     *slog.Logger
}

// WithStore records runs in st instead of a fresh in-memory ledger.
func WithStore(st *store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithConfigsDir sets the directory searched for configuration files when
// the scenario does not name one.
func WithConfigsDir(dir string) Option {
	return func(o *options) { o.configsDir = dir }
}

// WithConfig overrides the scenario's configuration name.
func WithConfig(name string) Option {
	return func(o *options) { o.configName = name }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Transformation is a scenario's model after rewrite and configuration.
type Transformation struct {
	Scenario *Scenario
	Source   *trace.Result
	Model    *model.Model
	Config   *config.Named

	SourceFingerprint string
	Fingerprint       string
}

// Transform builds the scenario's model, rewrites it and applies the
// configuration.
func Transform(s *Scenario, opts ...Option) (*Transformation, error) {
	return transform(s, buildOptions(opts))
}

func transform(s *Scenario, o *options) (*Transformation, error) {
	src, err := BuildSource(s.Model, o.logger)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: build model: %w", s.Name, err)
	}
	srcFP, err := ir.GraphFingerprint(src.Graph)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	m, err := model.FromTrace(src, model.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("scenario %s: transform: %w", s.Name, err)
	}

	name := cmp.Or(o.configName, s.Config, config.Baseline)
	cfg, err := config.Resolve(name, cmp.Or(s.Configs, o.configsDir))
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	if err := cfg.Apply(m); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	if err := m.CheckConsistency(); err != nil {
		return nil, fmt.Errorf("scenario %s: config %s: %w", s.Name, cfg.Name, err)
	}

	fp, err := m.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	o.logger.Info("scenario transformed",
		"scenario", s.Name,
		"config", cfg.Name,
		"replacements", len(m.Replacements()),
		"guard_misses", len(m.GuardMisses()),
		"fingerprint", fp,
	)
	return &Transformation{
		Scenario:          s,
		Source:            src,
		Model:             m,
		Config:            cfg,
		SourceFingerprint: srcFP,
		Fingerprint:       fp,
	}, nil
}

// Run converts the transformation into a ledger run.
func (t *Transformation) Run() *store.Run {
	return &store.Run{
		Scenario:          t.Scenario.Name,
		Config:            t.Config.Name,
		SourceFingerprint: t.SourceFingerprint,
		Graph:             t.Model.Graph(),
		Replacements:      t.Model.Replacements(),
		Modules:           t.Model.Configuration(),
		GuardMisses:       t.Model.GuardMisses(),
	}
}

// Run executes a scenario and returns the result.
//
// Unless WithStore is given, each scenario records into a fresh in-memory
// ledger with a deterministic clock and run ids, so results and ledger rows
// are reproducible.
//
// Execution flow:
// 1. Build the source model (builtin fixture or inline graph)
// 2. Rewrite it and apply the configuration
// 3. Record the run
// 4. Evaluate assertions
// 5. Build the golden snapshot
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := buildOptions(opts)

	st := o.store
	if st == nil {
		var err error
		st, err = store.Open(":memory:",
			store.WithClock(testutil.NewDeterministicClock()),
			store.WithIDGenerator(testutil.NewSequentialIDs(scenario.Name)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
	}

	tr, err := transform(scenario, o)
	if err != nil {
		return nil, err
	}

	run := tr.Run()
	if err := st.RecordRun(ctx, run); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	result := NewResult(scenario.Name)
	result.Config = tr.Config.Name
	result.RunID = run.ID
	result.Fingerprint = tr.Fingerprint
	result.SourceFingerprint = tr.SourceFingerprint
	result.Model = tr.Model
	result.Snapshot = NewSnapshot(scenario.Name, tr.Config.Name, tr.Model)

	actx := &AssertionContext{
		Ctx:    ctx,
		Store:  st,
		Model:  tr.Model,
		Source: tr.Source,
		Logger: o.logger,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	o.logger.Info("scenario executed",
		"scenario", scenario.Name,
		"run_id", run.ID,
		"pass", result.Pass,
		"errors", len(result.Errors),
	)
	return result, nil
}

// RunAll executes scenarios concurrently, at most limit at a time (no limit
// when limit <= 0). Results are in scenario order. The first execution error
// cancels the remaining scenarios.
func RunAll(ctx context.Context, scenarios []*Scenario, limit int, opts ...Option) ([]*Result, error) {
	results := make([]*Result, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, s := range scenarios {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := Run(gctx, s, opts...)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
