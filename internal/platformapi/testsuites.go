package platformapi

import (
	"encoding/json"
	"net/http"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/testsuite"
	"github.com/hubertpysklo/agent-diff/internal/apierror"
	"github.com/hubertpysklo/agent-diff/internal/dsl"
)

func (s *Service) handleListTestSuites(w http.ResponseWriter, r *http.Request) {
	templateID := r.URL.Query().Get("template_id")
	suites, err := s.TestSuites.ListTestSuites(r.Context(), templateID)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, suites)
}

func (s *Service) handleGetTestSuite(w http.ResponseWriter, r *http.Request) {
	ts, err := s.TestSuites.GetTestSuite(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}

	tests, err := s.TestSuites.ListTests(r.Context(), ts.ID)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}

	apierror.WriteJSON(w, http.StatusOK, map[string]any{"test_suite": ts, "tests": tests})
}

func (s *Service) handleCreateTestSuite(w http.ResponseWriter, r *http.Request) {
	var ts testsuite.TestSuite
	if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidEnvironmentPath, "malformed test suite body")
		return
	}

	created, err := s.TestSuites.CreateTestSuite(r.Context(), ts)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusCreated, created)
}

func (s *Service) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	suiteID := r.PathValue("id")

	var t testsuite.Test
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidEnvironmentPath, "malformed test body")
		return
	}
	t.TestSuiteID = suiteID

	if _, err := dsl.Compile(t.AssertionDSL); err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidDSL, err.Error())
		return
	}

	created, err := s.TestSuites.CreateTest(r.Context(), t)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusCreated, created)
}
