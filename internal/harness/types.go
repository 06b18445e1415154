package harness

import (
	"github.com/roach88/fxaware/internal/model"
)

// Result is the outcome of a scenario execution.
type Result struct {
	Scenario string `json:"scenario"`
	// Config is the resolved configuration name.
	Config string `json:"config"`

	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// RunID is the ledger id of the recorded run.
	RunID string `json:"run_id"`

	Fingerprint       string `json:"fingerprint"`
	SourceFingerprint string `json:"source_fingerprint"`

	// Snapshot is the golden-comparable summary of the transformation.
	Snapshot *Snapshot `json:"snapshot"`

	Model *model.Model `json:"-"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
