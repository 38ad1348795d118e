// Package platformapi implements the Platform Dispatcher (spec §4.J): the
// control-plane HTTP surface for provisioning environments, managing
// templates and test suites, and driving runs through start/diff/evaluate.
package platformapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/storage"
	"github.com/hubertpysklo/agent-diff/internal/apierror"
	"github.com/hubertpysklo/agent-diff/internal/differ"
	"github.com/hubertpysklo/agent-diff/internal/isolation"
	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/session"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// Service holds everything the Platform Dispatcher needs to route and
// service requests.
type Service struct {
	Templates  storage.TemplateStore
	Environments storage.EnvironmentStore
	Runs       storage.RunStore
	TestSuites storage.TestSuiteStore
	APIKeys    storage.APIKeyStore

	Engine    *isolation.Engine
	Sessions  *session.Router
	Reflector *reflector.Reflector
	Differ    *differ.Differ

	Log *logger.Logger
}

// Handler builds the routed, authenticated http.Handler for the platform
// surface. Go 1.22+ ServeMux method+wildcard patterns replace the teacher's
// prefix-based routing since the module targets go1.23.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /environments", s.handleCreateEnvironment)
	mux.HandleFunc("DELETE /environments/{id}", s.handleDeleteEnvironment)

	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("GET /templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("POST /templates", s.handleCreateTemplate)

	mux.HandleFunc("GET /test-suites", s.handleListTestSuites)
	mux.HandleFunc("POST /test-suites", s.handleCreateTestSuite)
	mux.HandleFunc("GET /test-suites/{id}", s.handleGetTestSuite)
	mux.HandleFunc("POST /test-suites/{id}/tests", s.handleCreateTest)

	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("POST /runs/{id}/diff", s.handleDiffRun)
	mux.HandleFunc("POST /runs/{id}/evaluate", s.handleEvaluateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)

	return s.wrapWithAuth(mux)
}

// wrapWithAuth checks a single-tier API key from X-API-Key or a Bearer
// Authorization header, grounded on the teacher's extractToken idiom but
// simplified: the platform surface has no roles or tenants, only "is this a
// registered API key".
func (s *Service) wrapWithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractAPIKey(r)
		if token == "" {
			apierror.WriteError(w, http.StatusUnauthorized, apierror.CodeNotAuthed, "missing API key")
			return
		}

		valid, err := s.APIKeys.ValidAPIKey(r.Context(), token)
		if err != nil {
			apierror.WriteError(w, http.StatusInternalServerError, apierror.CodeInternalError, err.Error())
			return
		}
		if !valid {
			apierror.WriteError(w, http.StatusUnauthorized, apierror.CodeNotAuthed, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(auth)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clampZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
