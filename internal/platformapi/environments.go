package platformapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/apierror"
	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

type createEnvironmentRequest struct {
	TemplateID     string `json:"template_id"`
	Service        string `json:"service"`
	TemplateName   string `json:"template_name"`
	TemplateVersion string `json:"template_version"`
	TTLSeconds     int     `json:"ttl_seconds"`
	Impersonate    string  `json:"impersonate"`
}

type environmentResponse struct {
	ID            string    `json:"id"`
	TemplateID    string    `json:"template_id"`
	Status        string    `json:"status"`
	SchemaVersion int64     `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Token         string    `json:"token,omitempty"`
}

func (s *Service) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidEnvironmentPath, "malformed request body")
		return
	}

	ref := template.Ref{ID: req.TemplateID, Service: req.Service, Name: req.TemplateName, Version: req.TemplateVersion}
	ttl := clampZero(time.Duration(req.TTLSeconds) * time.Second)

	provisioned, err := s.Engine.CreateEnvironment(r.Context(), ref, ttl, req.Impersonate)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}

	apierror.WriteJSON(w, http.StatusCreated, environmentResponse{
		ID:            provisioned.Environment.ID,
		TemplateID:    provisioned.Environment.TemplateID,
		Status:        string(provisioned.Environment.Status),
		SchemaVersion: provisioned.Environment.SchemaVersion,
		CreatedAt:     provisioned.Environment.CreatedAt,
		ExpiresAt:     provisioned.Environment.ExpiresAt,
		Token:         provisioned.Token,
	})
}

func (s *Service) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.Engine.DeleteEnvironment(r.Context(), id)
	if err != nil && !apperrors.Is(err, apperrors.NotFound) {
		writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
		return
	}

	// delete_env is idempotent: deleting an already-gone environment still
	// reports deleted, per spec.md's TTL-expiry scenario.
	apierror.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// writeEnvironmentError maps an error's apperrors.Kind to the HTTP envelope,
// using notFoundCode for the NotFound case since "not found" means different
// things (environment vs template) depending on which call site hit it.
func writeEnvironmentError(w http.ResponseWriter, err error, notFoundCode apierror.Code) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.NotFound {
		apierror.WriteError(w, http.StatusNotFound, notFoundCode, err.Error())
		return
	}
	status, code := apierror.FromKind(kind)
	apierror.WriteError(w, status, code, err.Error())
}
