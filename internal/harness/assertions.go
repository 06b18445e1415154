package harness

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/config"
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/model"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/numerics"
	"github.com/roach88/fxaware/internal/store"
	"github.com/roach88/fxaware/internal/tensor"
	"github.com/roach88/fxaware/internal/testutil"
	"github.com/roach88/fxaware/internal/trace"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Nodes    []string // Transformed graph node names for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Nodes) > 0 {
		fmt.Fprintf(&buf, "\nGraph:\n")
		for i, n := range e.Nodes {
			fmt.Fprintf(&buf, "  [%d] %s\n", i, n)
		}
	}

	return buf.String()
}

// AssertionContext provides what assertions evaluate against.
type AssertionContext struct {
	Ctx context.Context
	// Store is the ledger the run was recorded in (final_state).
	Store *store.Store
	// Model is the transformed model.
	Model *model.Model
	// Source is the untransformed trace (matches_source).
	Source *trace.Result
	Logger *slog.Logger
}

func (actx *AssertionContext) fail(typ, expected, actual string) *AssertionError {
	return &AssertionError{
		Type:     typ,
		Expected: expected,
		Actual:   actual,
		Nodes:    actx.Model.Graph().Names(),
	}
}

func (actx *AssertionContext) replacementOf(node string) (int, bool) {
	for i, r := range actx.Model.Replacements() {
		if r.Node == node {
			return i, true
		}
	}
	return 0, false
}

func assertReplaced(actx *AssertionContext, a Assertion) error {
	i, ok := actx.replacementOf(a.Node)
	if !ok {
		return actx.fail(AssertReplaced,
			fmt.Sprintf("node %s replaced by %s", a.Node, a.Target),
			"node was not replaced")
	}
	r := actx.Model.Replacements()[i]
	if r.Target != a.Target {
		return actx.fail(AssertReplaced,
			fmt.Sprintf("node %s replaced by %s", a.Node, a.Target),
			fmt.Sprintf("replaced by %s", r.Target))
	}
	if a.Module != "" {
		want, ok := config.ResolveModuleType(a.Module)
		if !ok {
			return fmt.Errorf("replaced: unknown module type %q", a.Module)
		}
		if r.Type != want {
			return actx.fail(AssertReplaced,
				fmt.Sprintf("module %s of type %s", r.Target, want),
				fmt.Sprintf("type %s", r.Type))
		}
	}
	if !actx.Model.Tree().Has(r.Target) {
		return actx.fail(AssertReplaced,
			fmt.Sprintf("module installed at %s", r.Target),
			"no module at that path")
	}
	return nil
}

func assertNotReplaced(actx *AssertionContext, a Assertion) error {
	if i, ok := actx.replacementOf(a.Node); ok {
		return actx.fail(AssertNotReplaced,
			fmt.Sprintf("node %s unchanged", a.Node),
			fmt.Sprintf("replaced by %s", actx.Model.Replacements()[i].Target))
	}
	if _, ok := actx.Model.Graph().Lookup(a.Node); !ok {
		return actx.fail(AssertNotReplaced,
			fmt.Sprintf("node %s unchanged", a.Node),
			"node not in transformed graph")
	}
	return nil
}

func assertGuardMissed(actx *AssertionContext, a Assertion) error {
	misses := actx.Model.GuardMisses()
	if !slices.Contains(misses, a.Node) {
		return actx.fail(AssertGuardMissed,
			fmt.Sprintf("guard rejected node %s", a.Node),
			fmt.Sprintf("guard misses %v", misses))
	}
	return nil
}

func assertNodeOrder(actx *AssertionContext, a Assertion) error {
	names := actx.Model.Graph().Names()
	if !slices.Equal(names, a.Names) {
		return actx.fail(AssertNodeOrder,
			fmt.Sprintf("nodes %v", a.Names),
			fmt.Sprintf("nodes %v", names))
	}
	return nil
}

func assertReplacementCount(actx *AssertionContext, a Assertion) error {
	n := len(actx.Model.Replacements())
	if n != a.Count {
		return actx.fail(AssertReplacementCount,
			fmt.Sprintf("%d replacements", a.Count),
			fmt.Sprintf("%d replacements", n))
	}
	return nil
}

func assertModuleConfig(actx *AssertionContext, a Assertion) error {
	cfg, ok := actx.Model.Configuration()[a.Path]
	if !ok {
		return actx.fail(AssertModuleConfig,
			fmt.Sprintf("configurable module at %s", a.Path),
			"no configurable module at that path")
	}
	actual := map[string]numerics.Format{
		"input_format":  cfg.InputFormat,
		"output_format": cfg.OutputFormat,
		"weight_format": cfg.WeightFormat,
	}
	for _, field := range slices.Sorted(maps.Keys(a.Expect)) {
		got, ok := actual[field]
		if !ok {
			return fmt.Errorf("module_config: unknown field %q", field)
		}
		s, ok := a.Expect[field].(string)
		if !ok {
			return fmt.Errorf("module_config: %s must be a format name, got %T", field, a.Expect[field])
		}
		want, err := numerics.ParseFormat(s)
		if err != nil {
			return fmt.Errorf("module_config: %s: %w", field, err)
		}
		if got != want {
			return actx.fail(AssertModuleConfig,
				fmt.Sprintf("%s.%s = %s", a.Path, field, want),
				fmt.Sprintf("%s.%s = %s", a.Path, field, got))
		}
	}
	return nil
}

// assertMatchesSource runs the source trace and the transformed model on the
// same deterministic inputs. Input i is seeded with i+1.
func assertMatchesSource(actx *AssertionContext, a Assertion) error {
	if actx.Source == nil {
		return fmt.Errorf("matches_source requires the source trace")
	}
	inputs := make(map[string]any, len(a.Shapes))
	for i, name := range actx.Source.InputNames {
		shape, ok := a.Shapes[name]
		if !ok {
			return fmt.Errorf("matches_source: no shape for input %q", name)
		}
		inputs[name] = testutil.Input(int64(i+1), shape...)
	}

	want, err := model.NewInterpreter(actx.Source.Graph, actx.Source.Tree, actx.Logger).Run(inputs)
	if err != nil {
		return fmt.Errorf("matches_source: run source: %w", err)
	}
	got, err := actx.Model.Call(nil, inputs)
	if err != nil {
		return actx.fail(AssertMatchesSource, "transformed model runs", err.Error())
	}
	if err := outputsClose(want, got, a.Tolerance); err != nil {
		return actx.fail(AssertMatchesSource,
			fmt.Sprintf("outputs within %g of source", a.Tolerance),
			err.Error())
	}
	return nil
}

// outputsClose compares two forward results element-wise within tol.
func outputsClose(want, got any, tol float64) error {
	if wl, ok := want.([]any); ok {
		gl, ok := got.([]any)
		if !ok || len(gl) != len(wl) {
			return fmt.Errorf("output structure differs: %T vs %T", want, got)
		}
		for i := range wl {
			if err := outputsClose(wl[i], gl[i], tol); err != nil {
				return fmt.Errorf("output %d: %w", i, err)
			}
		}
		return nil
	}
	wt, err := nn.AsTensor(want)
	if err != nil {
		return err
	}
	gt, err := nn.AsTensor(got)
	if err != nil {
		return err
	}
	if !slices.Equal(wt.Shape(), gt.Shape()) {
		return fmt.Errorf("shape %v, want %v", gt.Shape(), wt.Shape())
	}
	if !tensor.AllClose(wt, gt, 0, tol) {
		return fmt.Errorf("got %v, want %v", gt, wt)
	}
	return nil
}

// assertFinalState queries one ledger row and checks the expected columns.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	// Validate table name to prevent SQL injection (identifiers can't be parameterized)
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Check for multiple matching rows (would indicate ambiguous assertion)
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range slices.Sorted(maps.Keys(assertion.Expect)) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Column names are validated against a whitelist pattern to prevent SQL
// injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case ir.IRString:
		return string(val)
	case ir.IRInt:
		return int64(val)
	case string, int, int64, bool, float64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range slices.Sorted(maps.Keys(where)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from ledger tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	// SQLite returns TEXT columns as string or []byte depending on the driver path
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		actualStr, ok := actual.(string)
		return ok && exp == actualStr
	case int:
		actualInt, ok := actual.(int64)
		return ok && int64(exp) == actualInt
	case int64:
		actualInt, ok := actual.(int64)
		return ok && exp == actualInt
	case float64:
		switch a := actual.(type) {
		case float64:
			return exp == a
		case int64:
			return exp == float64(a)
		}
		return false
	case bool:
		if b, ok := actual.(bool); ok {
			return exp == b
		}
		// SQLite stores booleans as integers
		actualInt, ok := actual.(int64)
		return ok && exp == (actualInt != 0)
	}

	return reflect.DeepEqual(expected, actual)
}

// EvaluateAssertions evaluates all assertions against the transformed model.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertReplaced:
			err = assertReplaced(actx, assertion)
		case AssertNotReplaced:
			err = assertNotReplaced(actx, assertion)
		case AssertGuardMissed:
			err = assertGuardMissed(actx, assertion)
		case AssertNodeOrder:
			err = assertNodeOrder(actx, assertion)
		case AssertReplacementCount:
			err = assertReplacementCount(actx, assertion)
		case AssertModuleConfig:
			err = assertModuleConfig(actx, assertion)
		case AssertMatchesSource:
			err = assertMatchesSource(actx, assertion)
		case AssertFinalState:
			if actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a ledger", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
