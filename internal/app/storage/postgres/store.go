// Package postgres implements the storage interfaces against a Postgres
// database via database/sql and github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/environment"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/run"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/testsuite"
	"github.com/hubertpysklo/agent-diff/internal/app/storage"
)

// Store implements every storage interface against the platform schema
// (public). It never touches per-environment namespaces directly; that is
// the Session Router's job.
type Store struct {
	db *sql.DB
}

var (
	_ storage.TemplateStore   = (*Store)(nil)
	_ storage.EnvironmentStore = (*Store)(nil)
	_ storage.RunStore        = (*Store)(nil)
	_ storage.TestSuiteStore  = (*Store)(nil)
	_ storage.APIKeyStore     = (*Store)(nil)
)

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func wrapErr(op string, err error, kind apperrors.Kind) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		kind = apperrors.NotFound
	}
	return apperrors.New("postgres.store", op, kind, err)
}

// Templates -------------------------------------------------------------------

func (s *Store) CreateTemplate(ctx context.Context, t template.Template) (template.Template, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()

	structDef, err := json.Marshal(t.StructuralDefinition)
	if err != nil {
		return template.Template{}, wrapErr("CreateTemplate", err, apperrors.Internal)
	}
	seed, err := json.Marshal(t.SeedBundle)
	if err != nil {
		return template.Template{}, wrapErr("CreateTemplate", err, apperrors.Internal)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, service, name, version, structural_definition, seed_bundle, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Service, t.Name, t.Version, structDef, seed, t.CreatedAt)
	if err != nil {
		return template.Template{}, wrapErr("CreateTemplate", err, apperrors.Conflict)
	}
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, ref template.Ref) (template.Template, error) {
	var row *sql.Row
	if ref.ID != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, service, name, version, structural_definition, seed_bundle, created_at
			FROM templates WHERE id = $1
		`, ref.ID)
	} else if ref.Version != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, service, name, version, structural_definition, seed_bundle, created_at
			FROM templates WHERE service = $1 AND name = $2 AND version = $3
		`, ref.Service, ref.Name, ref.Version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, service, name, version, structural_definition, seed_bundle, created_at
			FROM templates WHERE service = $1 AND name = $2
			ORDER BY created_at DESC LIMIT 1
		`, ref.Service, ref.Name)
	}
	t, err := scanTemplate(row)
	if err != nil {
		return template.Template{}, wrapErr("GetTemplate", err, apperrors.NotFound)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, service string) ([]template.Template, error) {
	var rows *sql.Rows
	var err error
	if service != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, service, name, version, structural_definition, seed_bundle, created_at
			FROM templates WHERE service = $1 ORDER BY created_at
		`, service)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, service, name, version, structural_definition, seed_bundle, created_at
			FROM templates ORDER BY created_at
		`)
	}
	if err != nil {
		return nil, wrapErr("ListTemplates", err, apperrors.StoreUnavailable)
	}
	defer rows.Close()

	var out []template.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapErr("ListTemplates", err, apperrors.Internal)
		}
		out = append(out, t)
	}
	return out, wrapErr("ListTemplates", rows.Err(), apperrors.Internal)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (template.Template, error) {
	var t template.Template
	var structDef, seed []byte
	if err := row.Scan(&t.ID, &t.Service, &t.Name, &t.Version, &structDef, &seed, &t.CreatedAt); err != nil {
		return template.Template{}, err
	}
	if len(structDef) > 0 {
		if err := json.Unmarshal(structDef, &t.StructuralDefinition); err != nil {
			return template.Template{}, fmt.Errorf("decode structural_definition: %w", err)
		}
	}
	if len(seed) > 0 {
		if err := json.Unmarshal(seed, &t.SeedBundle); err != nil {
			return template.Template{}, fmt.Errorf("decode seed_bundle: %w", err)
		}
	}
	return t, nil
}

// Environments ------------------------------------------------------------------

func (s *Store) CreateEnvironment(ctx context.Context, env environment.Environment) (environment.Environment, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environments (id, template_id, namespace_name, status, schema_version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, env.ID, env.TemplateID, env.NamespaceName, env.Status, env.SchemaVersion, env.CreatedAt, env.ExpiresAt)
	if err != nil {
		return environment.Environment{}, wrapErr("CreateEnvironment", err, apperrors.Conflict)
	}
	return env, nil
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (environment.Environment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, namespace_name, status, schema_version, created_at, expires_at, deleted_at
		FROM environments WHERE id = $1
	`, id)
	env, err := scanEnvironment(row)
	if err != nil {
		return environment.Environment{}, wrapErr("GetEnvironment", err, apperrors.NotFound)
	}
	return env, nil
}

func (s *Store) UpdateEnvironmentStatus(ctx context.Context, id string, status environment.Status) error {
	var deletedAt any
	if status == environment.StatusDeleted {
		deletedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET status = $2, deleted_at = COALESCE($3, deleted_at) WHERE id = $1
	`, id, status, deletedAt)
	if err != nil {
		return wrapErr("UpdateEnvironmentStatus", err, apperrors.Internal)
	}
	return checkRowsAffected(res, "UpdateEnvironmentStatus", id)
}

func (s *Store) BumpSchemaVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE environments SET schema_version = schema_version + 1 WHERE id = $1
		RETURNING schema_version
	`, id).Scan(&version)
	if err != nil {
		return 0, wrapErr("BumpSchemaVersion", err, apperrors.NotFound)
	}
	return version, nil
}

func (s *Store) ListExpired(ctx context.Context) ([]environment.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, namespace_name, status, schema_version, created_at, expires_at, deleted_at
		FROM environments
		WHERE status = $1 AND expires_at <= $2 AND deleted_at IS NULL
	`, environment.StatusActive, time.Now().UTC())
	if err != nil {
		return nil, wrapErr("ListExpired", err, apperrors.StoreUnavailable)
	}
	defer rows.Close()

	var out []environment.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, wrapErr("ListExpired", err, apperrors.Internal)
		}
		out = append(out, env)
	}
	return out, wrapErr("ListExpired", rows.Err(), apperrors.Internal)
}

func (s *Store) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return wrapErr("DeleteEnvironment", err, apperrors.Internal)
	}
	return checkRowsAffected(res, "DeleteEnvironment", id)
}

func scanEnvironment(row rowScanner) (environment.Environment, error) {
	var env environment.Environment
	var deletedAt sql.NullTime
	if err := row.Scan(&env.ID, &env.TemplateID, &env.NamespaceName, &env.Status, &env.SchemaVersion,
		&env.CreatedAt, &env.ExpiresAt, &deletedAt); err != nil {
		return environment.Environment{}, err
	}
	if deletedAt.Valid {
		env.DeletedAt = &deletedAt.Time
	}
	return env, nil
}

func checkRowsAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err, apperrors.Internal)
	}
	if n == 0 {
		return wrapErr(op, fmt.Errorf("%s not found", id), apperrors.NotFound)
	}
	return nil
}

// Runs ----------------------------------------------------------------------------

func (s *Store) CreateRun(ctx context.Context, r run.Run) (run.Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	if r.Status == "" {
		r.Status = run.StatusStarted
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, environment_id, test_id, status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, r.ID, r.EnvironmentID, r.TestID, r.Status, r.CreatedAt)
	if err != nil {
		return run.Run{}, wrapErr("CreateRun", err, apperrors.Conflict)
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (run.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, environment_id, COALESCE(test_id::text, ''), status,
			COALESCE(snapshot_before, ''), COALESCE(snapshot_after, ''),
			diff_result, assertion_result, created_at, completed_at
		FROM runs WHERE id = $1
	`, id)
	r, err := scanRun(row)
	if err != nil {
		return run.Run{}, wrapErr("GetRun", err, apperrors.NotFound)
	}
	return r, nil
}

func (s *Store) UpdateRun(ctx context.Context, r run.Run) (run.Run, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, snapshot_before = $3, snapshot_after = $4,
			diff_result = $5, assertion_result = $6, completed_at = $7
		WHERE id = $1
	`, r.ID, r.Status, nullIfEmpty(r.SnapshotBefore), nullIfEmpty(r.SnapshotAfter),
		nullIfEmptyBytes(r.DiffResult), nullIfEmptyBytes(r.AssertionResult), r.CompletedAt)
	if err != nil {
		return run.Run{}, wrapErr("UpdateRun", err, apperrors.Internal)
	}
	if err := checkRowsAffected(res, "UpdateRun", r.ID); err != nil {
		return run.Run{}, err
	}
	return s.GetRun(ctx, r.ID)
}

func scanRun(row rowScanner) (run.Run, error) {
	var r run.Run
	var diffResult, assertionResult []byte
	var completedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.EnvironmentID, &r.TestID, &r.Status,
		&r.SnapshotBefore, &r.SnapshotAfter, &diffResult, &assertionResult, &r.CreatedAt, &completedAt); err != nil {
		return run.Run{}, err
	}
	r.DiffResult = diffResult
	r.AssertionResult = assertionResult
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// TestSuites/Tests ------------------------------------------------------------------

func (s *Store) CreateTestSuite(ctx context.Context, ts testsuite.TestSuite) (testsuite.TestSuite, error) {
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	ts.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_suites (id, name, template_id, created_at) VALUES ($1, $2, $3, $4)
	`, ts.ID, ts.Name, ts.TemplateID, ts.CreatedAt)
	if err != nil {
		return testsuite.TestSuite{}, wrapErr("CreateTestSuite", err, apperrors.Conflict)
	}
	return ts, nil
}

func (s *Store) GetTestSuite(ctx context.Context, id string) (testsuite.TestSuite, error) {
	var ts testsuite.TestSuite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, template_id, created_at FROM test_suites WHERE id = $1
	`, id).Scan(&ts.ID, &ts.Name, &ts.TemplateID, &ts.CreatedAt)
	if err != nil {
		return testsuite.TestSuite{}, wrapErr("GetTestSuite", err, apperrors.NotFound)
	}
	return ts, nil
}

func (s *Store) ListTestSuites(ctx context.Context, templateID string) ([]testsuite.TestSuite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, template_id, created_at FROM test_suites WHERE template_id = $1 ORDER BY created_at
	`, templateID)
	if err != nil {
		return nil, wrapErr("ListTestSuites", err, apperrors.StoreUnavailable)
	}
	defer rows.Close()

	var out []testsuite.TestSuite
	for rows.Next() {
		var ts testsuite.TestSuite
		if err := rows.Scan(&ts.ID, &ts.Name, &ts.TemplateID, &ts.CreatedAt); err != nil {
			return nil, wrapErr("ListTestSuites", err, apperrors.Internal)
		}
		out = append(out, ts)
	}
	return out, wrapErr("ListTestSuites", rows.Err(), apperrors.Internal)
}

func (s *Store) CreateTest(ctx context.Context, t testsuite.Test) (testsuite.Test, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tests (id, test_suite_id, name, assertion_dsl, created_at) VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.TestSuiteID, t.Name, []byte(t.AssertionDSL), t.CreatedAt)
	if err != nil {
		return testsuite.Test{}, wrapErr("CreateTest", err, apperrors.Conflict)
	}
	return t, nil
}

func (s *Store) GetTest(ctx context.Context, id string) (testsuite.Test, error) {
	var t testsuite.Test
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, test_suite_id, name, assertion_dsl, created_at FROM tests WHERE id = $1
	`, id).Scan(&t.ID, &t.TestSuiteID, &t.Name, &raw, &t.CreatedAt)
	if err != nil {
		return testsuite.Test{}, wrapErr("GetTest", err, apperrors.NotFound)
	}
	t.AssertionDSL = raw
	return t, nil
}

func (s *Store) ListTests(ctx context.Context, testSuiteID string) ([]testsuite.Test, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_suite_id, name, assertion_dsl, created_at FROM tests WHERE test_suite_id = $1 ORDER BY created_at
	`, testSuiteID)
	if err != nil {
		return nil, wrapErr("ListTests", err, apperrors.StoreUnavailable)
	}
	defer rows.Close()

	var out []testsuite.Test
	for rows.Next() {
		var t testsuite.Test
		var raw []byte
		if err := rows.Scan(&t.ID, &t.TestSuiteID, &t.Name, &raw, &t.CreatedAt); err != nil {
			return nil, wrapErr("ListTests", err, apperrors.Internal)
		}
		t.AssertionDSL = raw
		out = append(out, t)
	}
	return out, wrapErr("ListTests", rows.Err(), apperrors.Internal)
}

// API keys -----------------------------------------------------------------------

func (s *Store) ValidAPIKey(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM api_keys WHERE token_hash = $1 AND revoked_at IS NULL)
	`, hashToken(token)).Scan(&exists)
	if err != nil {
		return false, wrapErr("ValidAPIKey", err, apperrors.StoreUnavailable)
	}
	return exists, nil
}
