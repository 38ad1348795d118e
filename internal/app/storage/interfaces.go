// Package storage declares the per-aggregate persistence interfaces that the
// rest of the application depends on. Concrete implementations live in
// storage/postgres (backed by lib/pq) and storage/memory (an in-process
// fallback used by tests and local development without Postgres).
package storage

import (
	"context"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/environment"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/run"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/testsuite"
)

// TemplateStore persists Templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t template.Template) (template.Template, error)
	GetTemplate(ctx context.Context, ref template.Ref) (template.Template, error)
	ListTemplates(ctx context.Context, service string) ([]template.Template, error)
}

// EnvironmentStore persists Environments.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env environment.Environment) (environment.Environment, error)
	GetEnvironment(ctx context.Context, id string) (environment.Environment, error)
	UpdateEnvironmentStatus(ctx context.Context, id string, status environment.Status) error
	BumpSchemaVersion(ctx context.Context, id string) (int64, error)
	ListExpired(ctx context.Context) ([]environment.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error
}

// RunStore persists Runs.
type RunStore interface {
	CreateRun(ctx context.Context, r run.Run) (run.Run, error)
	GetRun(ctx context.Context, id string) (run.Run, error)
	UpdateRun(ctx context.Context, r run.Run) (run.Run, error)
}

// TestSuiteStore persists TestSuites and Tests.
type TestSuiteStore interface {
	CreateTestSuite(ctx context.Context, ts testsuite.TestSuite) (testsuite.TestSuite, error)
	GetTestSuite(ctx context.Context, id string) (testsuite.TestSuite, error)
	ListTestSuites(ctx context.Context, templateID string) ([]testsuite.TestSuite, error)
	CreateTest(ctx context.Context, t testsuite.Test) (testsuite.Test, error)
	GetTest(ctx context.Context, id string) (testsuite.Test, error)
	ListTests(ctx context.Context, testSuiteID string) ([]testsuite.Test, error)
}

// APIKeyStore validates platform-level bearer credentials (spec §4.J).
type APIKeyStore interface {
	ValidAPIKey(ctx context.Context, token string) (bool, error)
}
