// Package isolation implements the Isolation Engine (spec §4.E): it clones a
// Template into a fresh Postgres schema, issues a scoped bearer token for it,
// and tears the schema down again on deletion or expiry.
package isolation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/environment"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/metrics"
	"github.com/hubertpysklo/agent-diff/internal/app/storage"
	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/session"
	"github.com/hubertpysklo/agent-diff/internal/token"
)

// Provisioned is the result of creating an environment: the persisted record
// plus the bearer token scoped to it.
type Provisioned struct {
	Environment environment.Environment
	Token       string
}

// Engine provisions and tears down isolated environments.
type Engine struct {
	sessions    *session.Router
	reflector   *reflector.Reflector
	templates   storage.TemplateStore
	environments storage.EnvironmentStore
	tokens      *token.Service
	defaultTTL  time.Duration
	maxTTL      time.Duration
}

// New builds an Engine.
func New(sessions *session.Router, refl *reflector.Reflector, templates storage.TemplateStore, environments storage.EnvironmentStore, tokens *token.Service, defaultTTL, maxTTL time.Duration) *Engine {
	return &Engine{
		sessions:     sessions,
		reflector:    refl,
		templates:    templates,
		environments: environments,
		tokens:       tokens,
		defaultTTL:   defaultTTL,
		maxTTL:       maxTTL,
	}
}

// CreateEnvironment clones ref's template into a new namespace and issues a
// token scoped to it. ttl of zero uses the engine's default; ttl beyond the
// engine's max is clamped.
func (e *Engine) CreateEnvironment(ctx context.Context, ref template.Ref, ttl time.Duration, impersonate string) (*Provisioned, error) {
	start := time.Now()
	provisioned, err := e.createEnvironment(ctx, ref, ttl, impersonate)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordEnvironmentCreate(outcome, time.Since(start))
	return provisioned, err
}

func (e *Engine) createEnvironment(ctx context.Context, ref template.Ref, ttl time.Duration, impersonate string) (*Provisioned, error) {
	tmpl, err := e.templates.GetTemplate(ctx, ref)
	if err != nil {
		return nil, err
	}

	ttl = e.clampTTL(ttl)
	namespace, err := generateNamespace()
	if err != nil {
		return nil, apperrors.New("isolation.engine", "CreateEnvironment", apperrors.Internal, err)
	}

	meta, err := e.sessions.Meta(ctx)
	if err != nil {
		return nil, err
	}
	defer meta.Close()

	if _, err := meta.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %s`, quoteIdent(namespace))); err != nil {
		return nil, apperrors.New("isolation.engine", "CreateEnvironment", apperrors.Internal, fmt.Errorf("create schema: %w", err))
	}

	if err := e.materialize(ctx, namespace, tmpl); err != nil {
		e.dropSchema(ctx, namespace)
		return nil, err
	}

	now := time.Now().UTC()
	env := environment.Environment{
		TemplateID:    tmpl.ID,
		NamespaceName: namespace,
		Status:        environment.StatusActive,
		SchemaVersion: 1,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	created, err := e.environments.CreateEnvironment(ctx, env)
	if err != nil {
		e.dropSchema(ctx, namespace)
		return nil, err
	}

	signed, err := e.tokens.Issue(created.ID, impersonate, created.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return &Provisioned{Environment: created, Token: signed}, nil
}

// materialize applies tmpl's structural definition and seed bundle inside
// namespace.
func (e *Engine) materialize(ctx context.Context, namespace string, tmpl template.Template) error {
	sess, err := e.sessions.ForNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, table := range tmpl.StructuralDefinition {
		if _, err := sess.ExecContext(ctx, table.DDL); err != nil {
			return apperrors.New("isolation.engine", "materialize", apperrors.Internal, fmt.Errorf("create table %s: %w", table.Name, err))
		}
	}

	for tableName, rows := range tmpl.SeedBundle {
		for _, row := range rows {
			if err := insertSeedRow(ctx, sess, tableName, row); err != nil {
				return err
			}
		}
	}

	return nil
}

func insertSeedRow(ctx context.Context, sess *session.Session, table string, row map[string]any) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}

	placeholders := make([]string, len(cols))
	values := make([]any, len(cols))
	quotedCols := make([]string, len(cols))
	for i, col := range cols {
		quotedCols[i] = quoteIdent(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		values[i] = normalizeSeedValue(row[col])
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	if _, err := sess.ExecContext(ctx, stmt, values...); err != nil {
		return apperrors.New("isolation.engine", "materialize", apperrors.Internal, fmt.Errorf("seed %s: %w", table, err))
	}
	return nil
}

// normalizeSeedValue flattens JSON-decoded maps/slices (from a template's
// seed bundle) into a driver-friendly value, since lib/pq cannot bind
// map[string]any or []any directly.
func normalizeSeedValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}

// DeleteEnvironment drops the environment's namespace schema and marks it
// deleted. Safe to call on an already-expired environment.
func (e *Engine) DeleteEnvironment(ctx context.Context, id string) error {
	env, err := e.environments.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}

	e.dropSchema(ctx, env.NamespaceName)
	e.reflector.Invalidate(env.NamespaceName)

	return e.environments.DeleteEnvironment(ctx, id)
}

func (e *Engine) dropSchema(ctx context.Context, namespace string) {
	meta, err := e.sessions.Meta(ctx)
	if err != nil {
		return
	}
	defer meta.Close()
	meta.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, quoteIdent(namespace)))
}

// ExpirePass deletes every environment whose TTL has elapsed, returning how
// many were reaped.
func (e *Engine) ExpirePass(ctx context.Context) (int, error) {
	expired, err := e.environments.ListExpired(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, env := range expired {
		if err := e.DeleteEnvironment(ctx, env.ID); err != nil {
			metrics.RecordEnvironmentsReaped(count)
			return count, err
		}
		count++
	}
	metrics.RecordEnvironmentsReaped(count)
	return count, nil
}

func (e *Engine) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	if e.maxTTL > 0 && ttl > e.maxTTL {
		ttl = e.maxTTL
	}
	return ttl
}

func generateNamespace() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "state_" + hex.EncodeToString(buf), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
