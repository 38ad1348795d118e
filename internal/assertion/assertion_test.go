package assertion

import (
	"encoding/json"
	"testing"

	"github.com/hubertpysklo/agent-diff/internal/differ"
	"github.com/hubertpysklo/agent-diff/internal/dsl"
)

func mustCompile(t *testing.T, raw string) *dsl.CompiledSpec {
	t.Helper()
	spec, err := dsl.Compile(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return spec
}

// TestEvaluateInsertWithCount covers S1: an inserted row matching a where
// predicate, with an exact expected_count.
func TestEvaluateInsertWithCount(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"messages": {
			Table:    "messages",
			Inserted: []differ.Row{{"id": "m1", "channel": "C1", "text": "hello world", "user": "U1"}},
		},
	}}
	spec := mustCompile(t, `{
		"assertions": [
			{"diff_type":"added","entity":"messages","where":{"channel":"C1","text":{"contains":"hello"}},"expected_count":1}
		]
	}`)

	result := Evaluate(spec, d)
	if !result.Passed {
		t.Fatalf("expected pass, got failures: %+v", result.Failures)
	}
	if result.Score.Passed != 1 || result.Score.Total != 1 {
		t.Fatalf("unexpected score: %+v", result.Score)
	}
}

// TestEvaluateUpdateWithMaskStrict covers S2: strict mode with a mask lets
// an expected status transition pass despite an incidental updated_at bump.
func TestEvaluateUpdateWithMaskStrict(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"issues": {
			Table: "issues",
			Updated: []differ.Change{{
				Before:        differ.Row{"id": float64(42), "status": "Todo", "updated_at": "T0"},
				After:         differ.Row{"id": float64(42), "status": "Done", "updated_at": "T1"},
				ChangedFields: []string{"status", "updated_at"},
			}},
		},
	}}
	spec := mustCompile(t, `{
		"masks": ["updated_at"],
		"strict": true,
		"assertions": [
			{"diff_type":"changed","entity":"issues","where":{"id":42},"expected_changes":{"status":{"from":"Todo","to":"Done"}}}
		]
	}`)

	result := Evaluate(spec, d)
	if !result.Passed {
		t.Fatalf("expected pass, got failures: %+v", result.Failures)
	}
}

// TestEvaluateUpdateStrictWithoutMaskFails mirrors S2's inverse: the same
// update, strict mode, but without updated_at masked, must fail citing it.
func TestEvaluateUpdateStrictWithoutMaskFails(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"issues": {
			Table: "issues",
			Updated: []differ.Change{{
				Before:        differ.Row{"id": float64(42), "status": "Todo", "updated_at": "T0"},
				After:         differ.Row{"id": float64(42), "status": "Done", "updated_at": "T1"},
				ChangedFields: []string{"status", "updated_at"},
			}},
		},
	}}
	spec := mustCompile(t, `{
		"strict": true,
		"assertions": [
			{"diff_type":"changed","entity":"issues","where":{"id":42},"expected_changes":{"status":{"from":"Todo","to":"Done"}}}
		]
	}`)

	result := Evaluate(spec, d)
	if result.Passed {
		t.Fatal("expected failure citing the unmasked updated_at field")
	}
	found := false
	for _, f := range result.Failures {
		if f.Reason == `unexpected changed field(s): updated_at` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a failure naming updated_at, got %+v", result.Failures)
	}
}

// TestEvaluateDeleteWithCountRange covers S3: a count range satisfied by a
// delete bucket.
func TestEvaluateDeleteWithCountRange(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"reactions": {
			Table: "reactions",
			Deleted: []differ.Row{
				{"id": "r1", "message_id": "m1"},
				{"id": "r2", "message_id": "m1"},
				{"id": "r3", "message_id": "m1"},
			},
		},
	}}
	spec := mustCompile(t, `{
		"assertions": [
			{"diff_type":"removed","entity":"reactions","where":{"message_id":"m1"},"expected_count":{"min":2,"max":5}}
		]
	}`)

	result := Evaluate(spec, d)
	if !result.Passed {
		t.Fatalf("expected pass, got failures: %+v", result.Failures)
	}
}

// TestEvaluateUnchanged covers S4: an unchanged assertion with no where
// passes against the unchanged bucket and leaves the other buckets untouched.
func TestEvaluateUnchanged(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"users": {
			Table:     "users",
			Unchanged: []differ.Row{{"id": "u1"}, {"id": "u2"}},
		},
	}}
	spec := mustCompile(t, `{"assertions":[{"diff_type":"unchanged","entity":"users"}]}`)

	result := Evaluate(spec, d)
	if !result.Passed {
		t.Fatalf("expected pass, got failures: %+v", result.Failures)
	}
	entity := d.Entities["users"]
	if len(entity.Inserted) != 0 || len(entity.Updated) != 0 || len(entity.Deleted) != 0 {
		t.Fatalf("expected users' other buckets to stay empty: %+v", entity)
	}
}

func TestEvaluateCountNotSatisfiedFails(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"messages": {Table: "messages", Inserted: []differ.Row{{"id": "1", "channel": "C1"}}},
	}}
	spec := mustCompile(t, `{"assertions":[{"diff_type":"added","entity":"messages","where":{"channel":"C1"},"expected_count":2}]}`)

	result := Evaluate(spec, d)
	if result.Passed {
		t.Fatal("expected failure: only one matching row against expected_count 2")
	}
}

func TestEvaluateUnknownEntityTreatedAsEmpty(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{}}
	spec := mustCompile(t, `{"assertions":[{"diff_type":"added","entity":"messages","expected_count":0}]}`)

	result := Evaluate(spec, d)
	if !result.Passed {
		t.Fatalf("expected pass: zero rows satisfies expected_count 0, got %+v", result.Failures)
	}
}

func TestEvaluateIsPureFunctionOfInputs(t *testing.T) {
	d := &differ.Diff{Entities: map[string]*differ.EntityDiff{
		"messages": {Table: "messages", Inserted: []differ.Row{{"id": "1", "channel": "C1"}}},
	}}
	spec := mustCompile(t, `{"assertions":[{"diff_type":"added","entity":"messages","where":{"channel":"C1"},"expected_count":1}]}`)

	first := Evaluate(spec, d)
	second := Evaluate(spec, d)
	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Fatalf("expected identical output for identical inputs:\n%s\n%s", firstJSON, secondJSON)
	}
}
