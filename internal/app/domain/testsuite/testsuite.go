// Package testsuite defines the TestSuite and Test aggregates: a named group
// of reusable assertion specs bound to a Template.
package testsuite

import (
	"encoding/json"
	"time"
)

// TestSuite groups related Tests against one Template.
type TestSuite struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TemplateID string    `json:"template_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Test binds a compilable assertion DSL document to a TestSuite.
type Test struct {
	ID          string          `json:"id"`
	TestSuiteID string          `json:"test_suite_id"`
	Name        string          `json:"name"`
	AssertionDSL json.RawMessage `json:"assertion_dsl"`
	CreatedAt   time.Time       `json:"created_at"`
}
