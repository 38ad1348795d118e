// Package dsl compiles the JSON assertion DSL (spec §4.H) into a closed set
// of typed Predicate variants, once, ahead of evaluation. Compilation never
// touches the Store; it is pure JSON-to-struct translation plus validation.
package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Op is one of the DSL's closed operator set.
type Op string

const (
	OpEq          Op = "eq"
	OpNeq         Op = "neq"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpStartsWith  Op = "starts_with"
	OpEndsWith    Op = "ends_with"
	OpHasAny      Op = "has_any"
	OpHasAll      Op = "has_all"
	OpIsNull      Op = "is_null"
	OpNotNull     Op = "not_null"
)

var validOps = map[Op]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpNotIn: {}, OpContains: {}, OpNotContains: {},
	OpStartsWith: {}, OpEndsWith: {}, OpHasAny: {}, OpHasAll: {},
	OpIsNull: {}, OpNotNull: {},
}

// DiffType selects which bucket of a Diff an assertion matches against.
type DiffType string

const (
	DiffAdded     DiffType = "added"
	DiffRemoved   DiffType = "removed"
	DiffChanged   DiffType = "changed"
	DiffUnchanged DiffType = "unchanged"
)

var validDiffTypes = map[DiffType]struct{}{
	DiffAdded: {}, DiffRemoved: {}, DiffChanged: {}, DiffUnchanged: {},
}

// Predicate is a node of a compiled where-tree. The only implementations are
// the ones in this package (tagged variants, not a class hierarchy).
type Predicate interface {
	predicate()
}

// Leaf compares one field of a matched row against a value.
type Leaf struct {
	Field string
	Op    Op
	Value any
}

func (Leaf) predicate() {}

// And requires every child to hold.
type And struct{ Children []Predicate }

func (And) predicate() {}

// Or requires at least one child to hold.
type Or struct{ Children []Predicate }

func (Or) predicate() {}

// Not inverts its single child.
type Not struct{ Child Predicate }

func (Not) predicate() {}

// CountRange bounds a matched-row count. Either bound may be absent.
type CountRange struct {
	Min *int
	Max *int
}

// Satisfied reports whether n falls within the range. A nil CountRange is
// vacuously satisfied.
func (c *CountRange) Satisfied(n int) bool {
	if c == nil {
		return true
	}
	if c.Min != nil && n < *c.Min {
		return false
	}
	if c.Max != nil && n > *c.Max {
		return false
	}
	return true
}

// ValuePredicate is a single operator applied to an operand, used for the
// from/to halves of a ChangeExpectation.
type ValuePredicate struct {
	Op    Op
	Value any
}

// ChangeExpectation asserts the before (From) and/or after (To) value of one
// field of a changed row. Either half may be absent.
type ChangeExpectation struct {
	From *ValuePredicate
	To   *ValuePredicate
}

// CompiledAssertion is one entry of a compiled spec's assertions list.
type CompiledAssertion struct {
	DiffType        DiffType
	Entity          string
	Where           Predicate
	ExpectedCount   *CountRange
	ExpectedChanges map[string]ChangeExpectation
	LocalIgnore     []string
}

// CompiledSpec is the result of compiling a raw assertion DSL document.
type CompiledSpec struct {
	DSLVersion string
	Strict     bool
	Masks      []string
	Assertions []CompiledAssertion
}

// CompileError reports a structural or validation failure at Path.
type CompileError struct {
	Path   string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("dsl: %s: %s", e.Path, e.Reason)
}

var allowedTopKeys = map[string]bool{
	"dsl_version": true, "strict": true, "masks": true, "assertions": true,
}

// Compile parses raw into a CompiledSpec, applying shorthand normalization
// and rejecting unknown top-level keys, unknown operators, or malformed
// assertions.
func Compile(raw json.RawMessage) (*CompiledSpec, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &CompileError{Path: "$", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	for key := range doc {
		if !allowedTopKeys[key] {
			return nil, &CompileError{Path: "$", Reason: fmt.Sprintf("unknown key %q", key)}
		}
	}

	spec := &CompiledSpec{}
	if raw, ok := doc["dsl_version"]; ok {
		if err := json.Unmarshal(raw, &spec.DSLVersion); err != nil {
			return nil, &CompileError{Path: "$.dsl_version", Reason: "expected a string"}
		}
	}
	if raw, ok := doc["strict"]; ok {
		if err := json.Unmarshal(raw, &spec.Strict); err != nil {
			return nil, &CompileError{Path: "$.strict", Reason: "expected a bool"}
		}
	}
	if raw, ok := doc["masks"]; ok {
		if err := json.Unmarshal(raw, &spec.Masks); err != nil {
			return nil, &CompileError{Path: "$.masks", Reason: "expected an array of strings"}
		}
	}

	if raw, ok := doc["assertions"]; ok {
		var rawList []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rawList); err != nil {
			return nil, &CompileError{Path: "$.assertions", Reason: "expected an array of assertions"}
		}
		spec.Assertions = make([]CompiledAssertion, 0, len(rawList))
		for i, node := range rawList {
			assertion, err := compileAssertion(node, fmt.Sprintf("$.assertions[%d]", i))
			if err != nil {
				return nil, err
			}
			spec.Assertions = append(spec.Assertions, assertion)
		}
	}

	return spec, nil
}

var allowedAssertionKeys = map[string]bool{
	"diff_type": true, "entity": true, "where": true,
	"expected_count": true, "expected_changes": true, "local_ignore": true,
}

func compileAssertion(node map[string]json.RawMessage, path string) (CompiledAssertion, error) {
	for key := range node {
		if !allowedAssertionKeys[key] {
			return CompiledAssertion{}, &CompileError{Path: path, Reason: fmt.Sprintf("unknown key %q", key)}
		}
	}

	var diffTypeName string
	if raw, ok := node["diff_type"]; ok {
		_ = json.Unmarshal(raw, &diffTypeName)
	}
	if diffTypeName == "" {
		return CompiledAssertion{}, &CompileError{Path: path, Reason: "missing required \"diff_type\""}
	}
	diffType := DiffType(diffTypeName)
	if _, ok := validDiffTypes[diffType]; !ok {
		return CompiledAssertion{}, &CompileError{Path: path + ".diff_type", Reason: fmt.Sprintf("unknown diff_type %q", diffTypeName)}
	}

	var entity string
	if raw, ok := node["entity"]; ok {
		_ = json.Unmarshal(raw, &entity)
	}
	if entity == "" {
		return CompiledAssertion{}, &CompileError{Path: path, Reason: "missing required \"entity\""}
	}

	assertion := CompiledAssertion{DiffType: diffType, Entity: entity}

	if raw, ok := node["where"]; ok {
		where, err := compileWhere(raw, path+".where")
		if err != nil {
			return CompiledAssertion{}, err
		}
		assertion.Where = where
	}

	if raw, ok := node["expected_count"]; ok {
		cr, err := compileCountRange(raw, path+".expected_count")
		if err != nil {
			return CompiledAssertion{}, err
		}
		assertion.ExpectedCount = cr
	}

	if raw, ok := node["expected_changes"]; ok {
		ec, err := compileExpectedChanges(raw, path+".expected_changes")
		if err != nil {
			return CompiledAssertion{}, err
		}
		assertion.ExpectedChanges = ec
	}

	if raw, ok := node["local_ignore"]; ok {
		var ignore []string
		if err := json.Unmarshal(raw, &ignore); err != nil {
			return CompiledAssertion{}, &CompileError{Path: path + ".local_ignore", Reason: fmt.Sprintf("invalid local_ignore: %v", err)}
		}
		assertion.LocalIgnore = ignore
	}

	return assertion, nil
}

// compileWhere parses a predicate-tree object. Leaves are `{field: {op:
// operand}}`; a single object may carry several field keys at once, which
// compile to an implicit And.
func compileWhere(raw json.RawMessage, path string) (Predicate, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &CompileError{Path: path, Reason: "expected an object"}
	}
	return compilePredicateObject(node, path)
}

func compilePredicateObject(node map[string]json.RawMessage, path string) (Predicate, error) {
	if raw, ok := node["and"]; ok && len(node) == 1 {
		children, err := compilePredicateList(raw, path+".and")
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	}
	if raw, ok := node["or"]; ok && len(node) == 1 {
		children, err := compilePredicateList(raw, path+".or")
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	}
	if raw, ok := node["not"]; ok && len(node) == 1 {
		var child map[string]json.RawMessage
		if err := json.Unmarshal(raw, &child); err != nil {
			return nil, &CompileError{Path: path + ".not", Reason: "expected an object"}
		}
		compiled, err := compilePredicateObject(child, path+".not")
		if err != nil {
			return nil, err
		}
		return Not{Child: compiled}, nil
	}

	keys := make([]string, 0, len(node))
	for key := range node {
		if key == "and" || key == "or" || key == "not" {
			return nil, &CompileError{Path: path, Reason: fmt.Sprintf("%q cannot be combined with field predicates in the same object", key)}
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, &CompileError{Path: path, Reason: "empty predicate object"}
	}
	sort.Strings(keys)

	leaves := make([]Predicate, 0, len(keys))
	for _, field := range keys {
		fieldLeaves, err := compileFieldLeaves(field, node[field], path+"."+field)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, fieldLeaves...)
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	return And{Children: leaves}, nil
}

func compilePredicateList(raw json.RawMessage, path string) ([]Predicate, error) {
	var rawList []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawList); err != nil {
		return nil, &CompileError{Path: path, Reason: "expected an array of predicates"}
	}
	out := make([]Predicate, 0, len(rawList))
	for i, child := range rawList {
		compiled, err := compilePredicateObject(child, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

// compileFieldLeaves compiles the value half of one `field: ...` entry. A
// scalar is shorthand for `{eq: scalar}`; an object may carry several
// operators on the same field at once, which compile to sibling leaves
// (implicitly ANDed by the caller).
func compileFieldLeaves(field string, raw json.RawMessage, path string) ([]Predicate, error) {
	if !isJSONObject(raw) {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, &CompileError{Path: path, Reason: fmt.Sprintf("invalid value: %v", err)}
		}
		return []Predicate{Leaf{Field: field, Op: OpEq, Value: value}}, nil
	}

	var opNode map[string]json.RawMessage
	if err := json.Unmarshal(raw, &opNode); err != nil {
		return nil, &CompileError{Path: path, Reason: "expected an object"}
	}

	opKeys := make([]string, 0, len(opNode))
	for key := range opNode {
		opKeys = append(opKeys, key)
	}
	sort.Strings(opKeys)

	leaves := make([]Predicate, 0, len(opKeys))
	for _, opName := range opKeys {
		op := Op(opName)
		if _, ok := validOps[op]; !ok {
			return nil, &CompileError{Path: path + "." + opName, Reason: fmt.Sprintf("unknown operator %q", opName)}
		}
		var value any
		if opRaw := opNode[opName]; opRaw != nil {
			if err := json.Unmarshal(opRaw, &value); err != nil {
				return nil, &CompileError{Path: path + "." + opName, Reason: fmt.Sprintf("invalid value: %v", err)}
			}
		}
		if requiresValue(op) && opNode[opName] == nil {
			return nil, &CompileError{Path: path, Reason: fmt.Sprintf("operator %q requires a value", opName)}
		}
		leaves = append(leaves, Leaf{Field: field, Op: op, Value: value})
	}
	return leaves, nil
}

// compileCountRange compiles an expected_count. A bare number is shorthand
// for an exact {min,max} range.
func compileCountRange(raw json.RawMessage, path string) (*CountRange, error) {
	if !isJSONObject(raw) {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, &CompileError{Path: path, Reason: fmt.Sprintf("invalid expected_count: %v", err)}
		}
		min, max := n, n
		return &CountRange{Min: &min, Max: &max}, nil
	}

	var obj struct {
		Min *int `json:"min"`
		Max *int `json:"max"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &CompileError{Path: path, Reason: fmt.Sprintf("invalid expected_count: %v", err)}
	}
	return &CountRange{Min: obj.Min, Max: obj.Max}, nil
}

// compileExpectedChanges compiles an expected_changes map. A scalar entry is
// shorthand for `{to: {eq: scalar}}`.
func compileExpectedChanges(raw json.RawMessage, path string) (map[string]ChangeExpectation, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &CompileError{Path: path, Reason: "expected an object"}
	}

	out := make(map[string]ChangeExpectation, len(node))
	for field, fieldRaw := range node {
		fp := path + "." + field
		if !isJSONObject(fieldRaw) {
			var value any
			if err := json.Unmarshal(fieldRaw, &value); err != nil {
				return nil, &CompileError{Path: fp, Reason: fmt.Sprintf("invalid value: %v", err)}
			}
			out[field] = ChangeExpectation{To: &ValuePredicate{Op: OpEq, Value: value}}
			continue
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(fieldRaw, &obj); err != nil {
			return nil, &CompileError{Path: fp, Reason: "expected an object"}
		}
		var exp ChangeExpectation
		if fromRaw, ok := obj["from"]; ok {
			vp, err := compileValuePredicate(fromRaw, fp+".from")
			if err != nil {
				return nil, err
			}
			exp.From = vp
		}
		if toRaw, ok := obj["to"]; ok {
			vp, err := compileValuePredicate(toRaw, fp+".to")
			if err != nil {
				return nil, err
			}
			exp.To = vp
		}
		if exp.From == nil && exp.To == nil {
			return nil, &CompileError{Path: fp, Reason: "expected_changes entry needs \"from\" and/or \"to\""}
		}
		out[field] = exp
	}
	return out, nil
}

func compileValuePredicate(raw json.RawMessage, path string) (*ValuePredicate, error) {
	if !isJSONObject(raw) {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, &CompileError{Path: path, Reason: fmt.Sprintf("invalid value: %v", err)}
		}
		return &ValuePredicate{Op: OpEq, Value: value}, nil
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &CompileError{Path: path, Reason: "expected an object"}
	}
	if len(node) != 1 {
		return nil, &CompileError{Path: path, Reason: "expected exactly one operator"}
	}
	for opName, opRaw := range node {
		op := Op(opName)
		if _, ok := validOps[op]; !ok {
			return nil, &CompileError{Path: path + "." + opName, Reason: fmt.Sprintf("unknown operator %q", opName)}
		}
		var value any
		if opRaw != nil {
			if err := json.Unmarshal(opRaw, &value); err != nil {
				return nil, &CompileError{Path: path + "." + opName, Reason: fmt.Sprintf("invalid value: %v", err)}
			}
		}
		return &ValuePredicate{Op: op, Value: value}, nil
	}
	return nil, &CompileError{Path: path, Reason: "unreachable"}
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func requiresValue(op Op) bool {
	switch op {
	case OpIsNull, OpNotNull:
		return false
	default:
		return true
	}
}

// Normalize re-marshals a compiled spec back to its canonical JSON shape (no
// shorthand, sorted field/operator ordering). Used to verify compilation is
// idempotent: Compile(Normalize(Compile(x))) == Compile(x).
func Normalize(spec *CompiledSpec) (json.RawMessage, error) {
	doc := map[string]any{"strict": spec.Strict}
	if spec.DSLVersion != "" {
		doc["dsl_version"] = spec.DSLVersion
	}
	if spec.Masks != nil {
		doc["masks"] = spec.Masks
	}

	assertions := make([]json.RawMessage, 0, len(spec.Assertions))
	for _, a := range spec.Assertions {
		raw, err := marshalAssertion(a)
		if err != nil {
			return nil, err
		}
		assertions = append(assertions, raw)
	}
	doc["assertions"] = assertions

	return json.Marshal(doc)
}

func marshalAssertion(a CompiledAssertion) (json.RawMessage, error) {
	obj := map[string]any{
		"diff_type": a.DiffType,
		"entity":    a.Entity,
	}
	if a.Where != nil {
		whereRaw, err := marshalPredicate(a.Where)
		if err != nil {
			return nil, err
		}
		obj["where"] = json.RawMessage(whereRaw)
	}
	if a.ExpectedCount != nil {
		obj["expected_count"] = map[string]any{"min": a.ExpectedCount.Min, "max": a.ExpectedCount.Max}
	}
	if len(a.ExpectedChanges) > 0 {
		changes := make(map[string]any, len(a.ExpectedChanges))
		for field, exp := range a.ExpectedChanges {
			entry := map[string]any{}
			if exp.From != nil {
				entry["from"] = map[string]any{string(exp.From.Op): exp.From.Value}
			}
			if exp.To != nil {
				entry["to"] = map[string]any{string(exp.To.Op): exp.To.Value}
			}
			changes[field] = entry
		}
		obj["expected_changes"] = changes
	}
	if len(a.LocalIgnore) > 0 {
		obj["local_ignore"] = a.LocalIgnore
	}
	return json.Marshal(obj)
}

func marshalPredicate(p Predicate) (json.RawMessage, error) {
	switch v := p.(type) {
	case And:
		children, err := marshalPredicateList(v.Children)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"and": children})
	case Or:
		children, err := marshalPredicateList(v.Children)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"or": children})
	case Not:
		child, err := marshalPredicate(v.Child)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"not": json.RawMessage(child)})
	case Leaf:
		return json.Marshal(map[string]any{
			v.Field: map[string]any{string(v.Op): v.Value},
		})
	default:
		return nil, fmt.Errorf("unknown predicate type %T", p)
	}
}

func marshalPredicateList(preds []Predicate) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(preds))
	for _, p := range preds {
		raw, err := marshalPredicate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
