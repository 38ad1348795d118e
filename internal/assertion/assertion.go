// Package assertion evaluates a compiled DSL spec against a computed Diff
// (spec §4.I). Evaluation is a pure function of (spec, diff): it never
// touches the Store, since every fact it needs already lives in the Diff.
package assertion

import (
	"fmt"
	"strings"

	"github.com/hubertpysklo/agent-diff/internal/app/metrics"
	"github.com/hubertpysklo/agent-diff/internal/differ"
	"github.com/hubertpysklo/agent-diff/internal/dsl"
)

// Failure describes one check, within one assertion, that did not hold.
type Failure struct {
	AssertionIndex int    `json:"assertion_index"`
	Reason         string `json:"reason"`
	Observed       any    `json:"observed,omitempty"`
}

// Score summarizes how many of a spec's assertions passed.
type Score struct {
	Passed  int     `json:"passed"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Result is the outcome of evaluating a CompiledSpec against a Diff.
type Result struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures"`
	Score    Score     `json:"score"`
}

// Evaluate checks every assertion in spec against diff and reports the
// combined result. An assertion contributes zero or more Failures; it counts
// as passed in Score iff it contributed none.
func Evaluate(spec *dsl.CompiledSpec, diff *differ.Diff) *Result {
	result := &Result{}
	for i, a := range spec.Assertions {
		result.Failures = append(result.Failures, evaluateAssertion(diff, i, a, spec)...)
	}

	failed := make(map[int]bool, len(result.Failures))
	for _, f := range result.Failures {
		failed[f.AssertionIndex] = true
	}
	result.Score.Total = len(spec.Assertions)
	result.Score.Passed = result.Score.Total - len(failed)
	if result.Score.Total > 0 {
		result.Score.Percent = float64(result.Score.Passed) / float64(result.Score.Total) * 100
	} else {
		result.Score.Percent = 100
	}
	result.Passed = len(result.Failures) == 0

	metrics.RecordAssertionEvaluation(result.Passed)
	return result
}

func evaluateAssertion(diff *differ.Diff, idx int, a dsl.CompiledAssertion, spec *dsl.CompiledSpec) []Failure {
	entity := entityOrEmpty(diff, a.Entity)
	var failures []Failure

	switch a.DiffType {
	case dsl.DiffAdded:
		matched := filterRows(entity.Inserted, a.Where)
		failures = append(failures, checkCount(idx, len(matched), a.ExpectedCount)...)
	case dsl.DiffRemoved:
		matched := filterRows(entity.Deleted, a.Where)
		failures = append(failures, checkCount(idx, len(matched), a.ExpectedCount)...)
	case dsl.DiffUnchanged:
		matched := filterRows(entity.Unchanged, a.Where)
		failures = append(failures, checkCount(idx, len(matched), a.ExpectedCount)...)
	case dsl.DiffChanged:
		matched := filterChanges(entity.Updated, a.Where)
		failures = append(failures, checkCount(idx, len(matched), a.ExpectedCount)...)
		failures = append(failures, checkChanges(idx, matched, a, spec)...)
	}
	return failures
}

func entityOrEmpty(diff *differ.Diff, name string) *differ.EntityDiff {
	if e, ok := diff.Entities[name]; ok && e != nil {
		return e
	}
	return &differ.EntityDiff{}
}

func filterRows(rows []differ.Row, where dsl.Predicate) []differ.Row {
	if where == nil {
		return rows
	}
	out := make([]differ.Row, 0, len(rows))
	for _, row := range rows {
		if matchPredicate(row, where) {
			out = append(out, row)
		}
	}
	return out
}

// filterChanges filters updates by where, evaluated against each update's
// after projection.
func filterChanges(changes []differ.Change, where dsl.Predicate) []differ.Change {
	if where == nil {
		return changes
	}
	out := make([]differ.Change, 0, len(changes))
	for _, c := range changes {
		if matchPredicate(c.After, where) {
			out = append(out, c)
		}
	}
	return out
}

func checkCount(idx, n int, cr *dsl.CountRange) []Failure {
	if cr == nil || cr.Satisfied(n) {
		return nil
	}
	return []Failure{{
		AssertionIndex: idx,
		Reason:         fmt.Sprintf("expected_count not satisfied: got %d matching rows", n),
		Observed:       n,
	}}
}

// checkChanges evaluates expected_changes' from/to predicates against each
// matched update, then (in strict mode) flags changed fields outside
// masks ∪ local_ignore ∪ keys(expected_changes) as failures.
func checkChanges(idx int, matched []differ.Change, a dsl.CompiledAssertion, spec *dsl.CompiledSpec) []Failure {
	var failures []Failure

	for _, c := range matched {
		for field, exp := range a.ExpectedChanges {
			if exp.From != nil && !matchValuePredicate(c.Before[field], *exp.From) {
				failures = append(failures, Failure{
					AssertionIndex: idx,
					Reason:         fmt.Sprintf("field %q before value did not match expected \"from\"", field),
					Observed:       c.Before[field],
				})
			}
			if exp.To != nil && !matchValuePredicate(c.After[field], *exp.To) {
				failures = append(failures, Failure{
					AssertionIndex: idx,
					Reason:         fmt.Sprintf("field %q after value did not match expected \"to\"", field),
					Observed:       c.After[field],
				})
			}
		}

		if !spec.Strict {
			continue
		}
		effective := subtractFields(c.ChangedFields, spec.Masks)
		allowed := make(map[string]bool, len(a.LocalIgnore)+len(a.ExpectedChanges))
		for _, f := range a.LocalIgnore {
			allowed[f] = true
		}
		for f := range a.ExpectedChanges {
			allowed[f] = true
		}
		var extra []string
		for _, f := range effective {
			if !allowed[f] {
				extra = append(extra, f)
			}
		}
		if len(extra) > 0 {
			failures = append(failures, Failure{
				AssertionIndex: idx,
				Reason:         fmt.Sprintf("unexpected changed field(s): %s", strings.Join(extra, ", ")),
				Observed:       extra,
			})
		}
	}
	return failures
}

func subtractFields(fields, masks []string) []string {
	if len(masks) == 0 {
		return fields
	}
	masked := make(map[string]bool, len(masks))
	for _, m := range masks {
		masked[m] = true
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !masked[f] {
			out = append(out, f)
		}
	}
	return out
}

func matchPredicate(row differ.Row, p dsl.Predicate) bool {
	switch v := p.(type) {
	case dsl.And:
		for _, child := range v.Children {
			if !matchPredicate(row, child) {
				return false
			}
		}
		return true
	case dsl.Or:
		for _, child := range v.Children {
			if matchPredicate(row, child) {
				return true
			}
		}
		return len(v.Children) == 0
	case dsl.Not:
		return !matchPredicate(row, v.Child)
	case dsl.Leaf:
		ok, _ := matchLeaf(row, v)
		return ok
	default:
		return false
	}
}

func matchLeaf(row differ.Row, leaf dsl.Leaf) (bool, error) {
	actual, present := row[leaf.Field]
	return applyOp(actual, present, leaf.Op, leaf.Value)
}

func matchValuePredicate(actual any, vp dsl.ValuePredicate) bool {
	ok, _ := applyOp(actual, true, vp.Op, vp.Value)
	return ok
}

func applyOp(actual any, present bool, op dsl.Op, value any) (bool, error) {
	switch op {
	case dsl.OpIsNull:
		return !present || actual == nil, nil
	case dsl.OpNotNull:
		return present && actual != nil, nil
	}

	if !present || actual == nil {
		return false, nil
	}

	switch op {
	case dsl.OpEq:
		return compareEqual(actual, value), nil
	case dsl.OpNeq:
		return !compareEqual(actual, value), nil
	case dsl.OpGt, dsl.OpGte, dsl.OpLt, dsl.OpLte:
		return compareOrdered(actual, value, op)
	case dsl.OpIn:
		return memberOf(actual, value), nil
	case dsl.OpNotIn:
		return !memberOf(actual, value), nil
	case dsl.OpContains:
		return stringContains(actual, value), nil
	case dsl.OpNotContains:
		return !stringContains(actual, value), nil
	case dsl.OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(value)), nil
	case dsl.OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(value)), nil
	case dsl.OpHasAny:
		return hasAny(actual, value), nil
	case dsl.OpHasAll:
		return hasAll(actual, value), nil
	default:
		return false, fmt.Errorf("assertion: unsupported operator %q", op)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func compareEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func compareOrdered(a, b any, op dsl.Op) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	var cmp int
	if aok && bok {
		switch {
		case af < bf:
			cmp = -1
		case af > bf:
			cmp = 1
		default:
			cmp = 0
		}
	} else {
		cmp = strings.Compare(toString(a), toString(b))
	}

	switch op {
	case dsl.OpGt:
		return cmp > 0, nil
	case dsl.OpGte:
		return cmp >= 0, nil
	case dsl.OpLt:
		return cmp < 0, nil
	case dsl.OpLte:
		return cmp <= 0, nil
	default:
		return false, fmt.Errorf("assertion: %q is not an ordering operator", op)
	}
}

func memberOf(actual, value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if compareEqual(actual, v) {
			return true
		}
	}
	return false
}

func stringContains(actual, value any) bool {
	if list, ok := actual.([]any); ok {
		return memberOf(value, list)
	}
	return strings.Contains(toString(actual), toString(value))
}

func hasAny(actual, value any) bool {
	actualList, ok := actual.([]any)
	if !ok {
		return false
	}
	wantList, ok := value.([]any)
	if !ok {
		wantList = []any{value}
	}
	for _, want := range wantList {
		for _, got := range actualList {
			if compareEqual(got, want) {
				return true
			}
		}
	}
	return false
}

func hasAll(actual, value any) bool {
	actualList, ok := actual.([]any)
	if !ok {
		return false
	}
	wantList, ok := value.([]any)
	if !ok {
		wantList = []any{value}
	}
	for _, want := range wantList {
		found := false
		for _, got := range actualList {
			if compareEqual(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
