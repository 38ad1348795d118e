// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces, used for tests and local development without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/environment"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/run"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/testsuite"
)

// Store is an in-memory implementation of every storage.* interface.
type Store struct {
	mu sync.RWMutex

	templates  map[string]template.Template
	envs       map[string]environment.Environment
	runs       map[string]run.Run
	testSuites map[string]testsuite.TestSuite
	tests      map[string]testsuite.Test
	apiKeys    map[string]struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		templates:  make(map[string]template.Template),
		envs:       make(map[string]environment.Environment),
		runs:       make(map[string]run.Run),
		testSuites: make(map[string]testsuite.TestSuite),
		tests:      make(map[string]testsuite.Test),
		apiKeys:    make(map[string]struct{}),
	}
}

// AddAPIKey registers a token as valid. Used by tests and local bootstrap.
func (s *Store) AddAPIKey(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[token] = struct{}{}
}

// TemplateStore -------------------------------------------------------------

func (s *Store) CreateTemplate(_ context.Context, t template.Template) (template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	s.templates[t.ID] = t
	return t, nil
}

func (s *Store) GetTemplate(_ context.Context, ref template.Ref) (template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref.ID != "" {
		t, ok := s.templates[ref.ID]
		if !ok {
			return template.Template{}, apperrors.New("memory.template", "GetTemplate", apperrors.NotFound, fmt.Errorf("template %s not found", ref.ID))
		}
		return t, nil
	}

	var best *template.Template
	for _, t := range s.templates {
		if t.Service != ref.Service || t.Name != ref.Name {
			continue
		}
		if ref.Version != "" && t.Version != ref.Version {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			cp := t
			best = &cp
		}
	}
	if best == nil {
		return template.Template{}, apperrors.New("memory.template", "GetTemplate", apperrors.NotFound, fmt.Errorf("template %s/%s not found", ref.Service, ref.Name))
	}
	return *best, nil
}

func (s *Store) ListTemplates(_ context.Context, service string) ([]template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]template.Template, 0, len(s.templates))
	for _, t := range s.templates {
		if service != "" && t.Service != service {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EnvironmentStore ------------------------------------------------------------

func (s *Store) CreateEnvironment(_ context.Context, env environment.Environment) (environment.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.CreatedAt = time.Now().UTC()
	if env.Status == "" {
		env.Status = environment.StatusActive
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = 1
	}
	s.envs[env.ID] = env
	return env, nil
}

func (s *Store) GetEnvironment(_ context.Context, id string) (environment.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envs[id]
	if !ok {
		return environment.Environment{}, apperrors.New("memory.environment", "GetEnvironment", apperrors.NotFound, fmt.Errorf("environment %s not found", id))
	}
	return env, nil
}

func (s *Store) UpdateEnvironmentStatus(_ context.Context, id string, status environment.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envs[id]
	if !ok {
		return apperrors.New("memory.environment", "UpdateEnvironmentStatus", apperrors.NotFound, fmt.Errorf("environment %s not found", id))
	}
	env.Status = status
	if status == environment.StatusDeleted {
		now := time.Now().UTC()
		env.DeletedAt = &now
	}
	s.envs[id] = env
	return nil
}

func (s *Store) BumpSchemaVersion(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envs[id]
	if !ok {
		return 0, apperrors.New("memory.environment", "BumpSchemaVersion", apperrors.NotFound, fmt.Errorf("environment %s not found", id))
	}
	env.SchemaVersion++
	s.envs[id] = env
	return env.SchemaVersion, nil
}

func (s *Store) ListExpired(_ context.Context) ([]environment.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []environment.Environment
	for _, env := range s.envs {
		if env.Expired(now) {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *Store) DeleteEnvironment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envs[id]; !ok {
		return apperrors.New("memory.environment", "DeleteEnvironment", apperrors.NotFound, fmt.Errorf("environment %s not found", id))
	}
	delete(s.envs, id)
	return nil
}

// RunStore --------------------------------------------------------------------

func (s *Store) CreateRun(_ context.Context, r run.Run) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	if r.Status == "" {
		r.Status = run.StatusStarted
	}
	s.runs[r.ID] = r
	return r, nil
}

func (s *Store) GetRun(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, apperrors.New("memory.run", "GetRun", apperrors.NotFound, fmt.Errorf("run %s not found", id))
	}
	return r, nil
}

func (s *Store) UpdateRun(_ context.Context, r run.Run) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.runs[r.ID]
	if !ok {
		return run.Run{}, apperrors.New("memory.run", "UpdateRun", apperrors.NotFound, fmt.Errorf("run %s not found", r.ID))
	}
	r.CreatedAt = original.CreatedAt
	s.runs[r.ID] = r
	return r, nil
}

// TestSuiteStore ----------------------------------------------------------------

func (s *Store) CreateTestSuite(_ context.Context, ts testsuite.TestSuite) (testsuite.TestSuite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	ts.CreatedAt = time.Now().UTC()
	s.testSuites[ts.ID] = ts
	return ts, nil
}

func (s *Store) GetTestSuite(_ context.Context, id string) (testsuite.TestSuite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.testSuites[id]
	if !ok {
		return testsuite.TestSuite{}, apperrors.New("memory.testsuite", "GetTestSuite", apperrors.NotFound, fmt.Errorf("test suite %s not found", id))
	}
	return ts, nil
}

func (s *Store) ListTestSuites(_ context.Context, templateID string) ([]testsuite.TestSuite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]testsuite.TestSuite, 0, len(s.testSuites))
	for _, ts := range s.testSuites {
		if templateID != "" && ts.TemplateID != templateID {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateTest(_ context.Context, t testsuite.Test) (testsuite.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	s.tests[t.ID] = t
	return t, nil
}

func (s *Store) GetTest(_ context.Context, id string) (testsuite.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tests[id]
	if !ok {
		return testsuite.Test{}, apperrors.New("memory.testsuite", "GetTest", apperrors.NotFound, fmt.Errorf("test %s not found", id))
	}
	return t, nil
}

func (s *Store) ListTests(_ context.Context, testSuiteID string) ([]testsuite.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]testsuite.Test, 0, len(s.tests))
	for _, t := range s.tests {
		if t.TestSuiteID != testSuiteID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// APIKeyStore -------------------------------------------------------------------

func (s *Store) ValidAPIKey(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.apiKeys[token]
	return ok, nil
}
