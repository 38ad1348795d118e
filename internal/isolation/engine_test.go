package isolation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/storage/memory"
	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/session"
	"github.com/hubertpysklo/agent-diff/internal/token"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *memory.Store, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}

	store := memory.New()
	tok, err := token.New("", "agentdiffd-test", false)
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}

	engine := New(session.New(db), reflector.New(), store, store, tok, 30*time.Minute, 6*time.Hour)
	return engine, mock, store, func() { db.Close() }
}

func TestCreateEnvironmentProvisionsSchemaAndIssuesToken(t *testing.T) {
	engine, mock, store, closeFn := newTestEngine(t)
	defer closeFn()

	ctx := context.Background()
	tmpl, err := store.CreateTemplate(ctx, template.Template{
		Service: "linear",
		Name:    "default",
		Version: "v1",
		StructuralDefinition: []template.TableDefinition{
			{Name: "issues", DDL: `CREATE TABLE "issues" (id text primary key, title text)`, PrimaryKey: []string{"id"}},
		},
		SeedBundle: map[string][]map[string]any{
			"issues": {{"id": "1", "title": "seed"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	mock.ExpectExec(`SET search_path TO public`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE SCHEMA "state_[0-9a-f]+"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET search_path TO "state_[0-9a-f]+", public`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE "issues"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "issues"`).WillReturnResult(sqlmock.NewResult(1, 1))

	provisioned, err := engine.CreateEnvironment(ctx, template.Ref{ID: tmpl.ID}, 0, "")
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if provisioned.Token == "" {
		t.Fatal("expected a non-empty token")
	}
	if provisioned.Environment.TemplateID != tmpl.ID {
		t.Fatalf("expected template id %s, got %s", tmpl.ID, provisioned.Environment.TemplateID)
	}
	if provisioned.Environment.ExpiresAt.Sub(provisioned.Environment.CreatedAt) != 30*time.Minute {
		t.Fatalf("expected default TTL applied, got %v", provisioned.Environment.ExpiresAt.Sub(provisioned.Environment.CreatedAt))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateEnvironmentClampsTTLToMax(t *testing.T) {
	engine, mock, store, closeFn := newTestEngine(t)
	defer closeFn()

	ctx := context.Background()
	tmpl, _ := store.CreateTemplate(ctx, template.Template{Service: "slack", Name: "default", Version: "v1"})

	mock.ExpectExec(`SET search_path TO public`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE SCHEMA "state_[0-9a-f]+"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET search_path TO "state_[0-9a-f]+", public`).WillReturnResult(sqlmock.NewResult(0, 0))

	provisioned, err := engine.CreateEnvironment(ctx, template.Ref{ID: tmpl.ID}, 24*time.Hour, "")
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if provisioned.Environment.ExpiresAt.Sub(provisioned.Environment.CreatedAt) != 6*time.Hour {
		t.Fatalf("expected TTL clamped to 6h, got %v", provisioned.Environment.ExpiresAt.Sub(provisioned.Environment.CreatedAt))
	}
}

func TestDeleteEnvironmentDropsSchema(t *testing.T) {
	engine, mock, store, closeFn := newTestEngine(t)
	defer closeFn()

	ctx := context.Background()
	tmpl, _ := store.CreateTemplate(ctx, template.Template{Service: "slack", Name: "default", Version: "v1"})

	mock.ExpectExec(`SET search_path TO public`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE SCHEMA "state_[0-9a-f]+"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET search_path TO "state_[0-9a-f]+", public`).WillReturnResult(sqlmock.NewResult(0, 0))

	provisioned, err := engine.CreateEnvironment(ctx, template.Ref{ID: tmpl.ID}, time.Minute, "")
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}

	mock.ExpectExec(`SET search_path TO public`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP SCHEMA IF EXISTS "state_[0-9a-f]+" CASCADE`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := engine.DeleteEnvironment(ctx, provisioned.Environment.ID); err != nil {
		t.Fatalf("DeleteEnvironment: %v", err)
	}

	if _, err := store.GetEnvironment(ctx, provisioned.Environment.ID); err == nil {
		t.Fatal("expected environment to be gone after delete")
	}
}

// TestCreateEnvironmentConcurrentCallsProduceDisjointNamespaces exercises
// scenario S5: two CreateEnvironment calls against the same template,
// issued concurrently, must land in two different namespace schemas. Each
// call generates its own random namespace independently, so the only way
// this fails is a collision in generateNamespace or shared mutable state
// leaking between calls.
func TestCreateEnvironmentConcurrentCallsProduceDisjointNamespaces(t *testing.T) {
	engine, mock, store, closeFn := newTestEngine(t)
	defer closeFn()
	mock.MatchExpectationsInOrder(false)

	ctx := context.Background()
	tmpl, err := store.CreateTemplate(ctx, template.Template{Service: "slack", Name: "default", Version: "v1"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	const n = 2
	for i := 0; i < n; i++ {
		mock.ExpectExec(`SET search_path TO public`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`CREATE SCHEMA "state_[0-9a-f]+"`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`SET search_path TO "state_[0-9a-f]+", public`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	results := make([]*Provisioned, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = engine.CreateEnvironment(ctx, template.Ref{ID: tmpl.ID}, 0, "")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("CreateEnvironment[%d]: %v", i, err)
		}
		ns := results[i].Environment.NamespaceName
		if seen[ns] {
			t.Fatalf("namespace %s provisioned twice, expected disjoint namespaces", ns)
		}
		seen[ns] = true
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
