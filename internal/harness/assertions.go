package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/diff"
	"github.com/roach88/avm/internal/repo"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Seq, event.Op, event.Args, event.Case)
		}
	}
	return buf.String()
}

// assertTraceContains checks for a step with the op and matching args.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Op == a.Op && matchArgs(event.Args, a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("op %s with args %v", a.Op, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of ops are ordered.
// Other steps may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		for _, op := range a.Ops {
			if event.Op == op && positions[op] == 0 {
				positions[op] = i + 1
			}
		}
	}

	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Op == a.Op && matchArgs(event.Args, a.Args) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState inspects a path. Supported expect keys are exists,
// type, content and layer_state.
func assertFinalState(ctx context.Context, r *repo.Repository, a Assertion) error {
	p, err := avm.ParsePath(a.Path)
	if err != nil {
		return err
	}
	actual := map[string]any{}
	err = r.Read(ctx, func(v *repo.View) error {
		res, err := v.Lookup(ctx, p)
		if avm.IsNotFound(err) {
			actual["exists"] = false
			return nil
		}
		if err != nil {
			return err
		}
		actual["exists"] = true
		actual["type"] = string(res.Node.Type)
		if _, ok := a.Expect["content"]; ok && res.Node.Type.IsFile() {
			data, err := v.ReadFile(ctx, p)
			if err != nil {
				return err
			}
			actual["content"] = string(data)
		}
		if _, ok := a.Expect["layer_state"]; ok {
			state, err := v.LayerState(ctx, p)
			if err != nil {
				return err
			}
			actual["layer_state"] = string(state)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("final_state %s: %w", a.Path, err)
	}

	for key, want := range a.Expect {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s %s = %v", a.Path, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func assertNoDifferences(ctx context.Context, r *repo.Repository, a Assertion) error {
	src, err := avm.ParsePath(a.Src)
	if err != nil {
		return err
	}
	dst, err := avm.ParsePath(a.Dst)
	if err != nil {
		return err
	}
	var diffs []avm.Difference
	err = r.Read(ctx, func(v *repo.View) error {
		var err error
		diffs, err = diff.Compare(ctx, v, src, dst, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("no_differences: %w", err)
	}
	if len(diffs) == 0 {
		return nil
	}
	lines := make([]string, 0, len(diffs))
	for _, d := range diffs {
		lines = append(lines, FormatDifference(d))
	}
	return &AssertionError{
		Type:     AssertNoDifferences,
		Expected: fmt.Sprintf("%s and %s converge", a.Src, a.Dst),
		Actual:   strings.Join(lines, "; "),
	}
}

// matchArgs checks if actual contains all expected keys (subset match).
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares scalars loosely across the int and float types YAML
// and JSON produce, and everything else deeply.
func valuesEqual(actual, expected any) bool {
	if a, ok := number(actual); ok {
		if e, ok := number(expected); ok {
			return a == e
		}
	}
	return reflect.DeepEqual(actual, expected)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// EvaluateAssertions evaluates all assertions and returns failure messages.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, r *repo.Repository) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(ctx, r, a)
		case AssertNoDifferences:
			err = assertNoDifferences(ctx, r, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
