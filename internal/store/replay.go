package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/ir"
)

// Divergence is one difference between a recorded run and its replay.
type Divergence struct {
	Field    string `json:"field"`
	Recorded string `json:"recorded"`
	Replayed string `json:"replayed"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s: recorded %q, replayed %q", d.Field, d.Recorded, d.Replayed)
}

// ReplayResult is the outcome of comparing a replayed transformation with the
// run it replays.
type ReplayResult struct {
	RunID       string       `json:"run_id"`
	Scenario    string       `json:"scenario"`
	Config      string       `json:"config"`
	Divergences []Divergence `json:"divergences"`
}

// Deterministic reports whether the replay reproduced the recorded run.
func (r ReplayResult) Deterministic() bool {
	return len(r.Divergences) == 0
}

// Replay compares replayed against the latest recorded run of the same
// scenario and config.
func (s *Store) Replay(ctx context.Context, replayed *Run) (ReplayResult, error) {
	recorded, err := s.LatestRun(ctx, replayed.Scenario, replayed.Config)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}
	return Compare(recorded, replayed)
}

// Compare reports every difference between recorded and replayed. The
// replayed run need not have been stored: its fingerprints are computed from
// its graph and replacements. Only the first differing node name is
// reported.
func Compare(recorded, replayed *Run) (ReplayResult, error) {
	res := ReplayResult{
		RunID:       recorded.ID,
		Scenario:    recorded.Scenario,
		Config:      recorded.Config,
		Divergences: []Divergence{},
	}
	add := func(field, rec, rep string) {
		if rec != rep {
			res.Divergences = append(res.Divergences, Divergence{Field: field, Recorded: rec, Replayed: rep})
		}
	}

	if replayed.Graph == nil {
		return res, fmt.Errorf("compare: %w: replayed run has no graph", ErrIncompleteRun)
	}
	fp := replayed.Fingerprint
	if fp == "" {
		var err error
		if fp, err = ir.GraphFingerprint(replayed.Graph); err != nil {
			return res, fmt.Errorf("compare: %w", err)
		}
	}
	repHash, err := ReplacementsHash(replayed.Replacements)
	if err != nil {
		return res, fmt.Errorf("compare: %w", err)
	}

	add("source_fingerprint", recorded.SourceFingerprint, replayed.SourceFingerprint)
	add("fingerprint", recorded.Fingerprint, fp)
	add("replacements_hash", recorded.ReplacementsHash, repHash)

	recNames, repNames := recorded.Graph.Names(), replayed.Graph.Names()
	for i := range max(len(recNames), len(repNames)) {
		rec, rep := at(recNames, i), at(repNames, i)
		if rec != rep {
			add(fmt.Sprintf("nodes[%d]", i), rec, rep)
			break
		}
	}

	add("replacements", fmt.Sprint(len(recorded.Replacements)), fmt.Sprint(len(replayed.Replacements)))
	for i := range min(len(recorded.Replacements), len(replayed.Replacements)) {
		rec, rep := recorded.Replacements[i], replayed.Replacements[i]
		prefix := fmt.Sprintf("replacements[%d]", i)
		add(prefix+".node", rec.Node, rep.Node)
		add(prefix+".new_node", rec.NewNode, rep.NewNode)
		add(prefix+".target", rec.Target, rep.Target)
		add(prefix+".type", rec.Type, rep.Type)
	}

	add("guard_misses", strings.Join(recorded.GuardMisses, ","), strings.Join(replayed.GuardMisses, ","))

	paths := slices.Sorted(maps.Keys(recorded.Modules))
	for p := range replayed.Modules {
		if _, ok := recorded.Modules[p]; !ok {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	for _, p := range paths {
		rec, recOK := recorded.Modules[p]
		rep, repOK := replayed.Modules[p]
		switch {
		case !recOK:
			add("modules."+p, "", "present")
		case !repOK:
			add("modules."+p, "present", "")
		default:
			rec, rep = rec.Normalize(), rep.Normalize()
			add("modules."+p+".input_format", string(rec.InputFormat), string(rep.InputFormat))
			add("modules."+p+".output_format", string(rec.OutputFormat), string(rep.OutputFormat))
			add("modules."+p+".weight_format", string(rec.WeightFormat), string(rep.WeightFormat))
		}
	}
	return res, nil
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
