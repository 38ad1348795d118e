package platformapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.AddAPIKey("test-key")
	return &Service{
		Templates:    store,
		Environments: store,
		Runs:         store,
		TestSuites:   store,
		APIKeys:      store,
	}, store
}

func TestExtractAPIKeyPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	req.Header.Set("X-API-Key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")

	if got := extractAPIKey(req); got != "from-header" {
		t.Fatalf("expected from-header, got %s", got)
	}
}

func TestExtractAPIKeyFallsBackToBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")

	if got := extractAPIKey(req); got != "from-bearer" {
		t.Fatalf("expected from-bearer, got %s", got)
	}
}

func TestWrapWithAuthRejectsMissingKey(t *testing.T) {
	svc, _ := newTestService(t)
	handler := svc.wrapWithAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWrapWithAuthAllowsValidKey(t *testing.T) {
	svc, _ := newTestService(t)
	reached := false
	handler := svc.wrapWithAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !reached {
		t.Fatal("expected handler to be reached with a valid key")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGetTemplateNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	handler := svc.Handler()

	req := httptest.NewRequest(http.MethodGet, "/templates/missing", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListTemplatesReturnsCreated(t *testing.T) {
	svc, store := newTestService(t)
	_, err := store.CreateTemplate(context.Background(), template.Template{Service: "slack", Name: "default", Version: "v1"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
