// Package apierror renders the HTTP error envelope every handler in
// platformapi/serviceapi responds with (spec.md §6).
package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

// Code is the stable, machine-readable error code carried in the envelope.
type Code string

const (
	CodeNotAuthed             Code = "not_authed"
	CodeInvalidEnvironmentPath Code = "invalid_environment_path"
	CodeEnvironmentNotFound   Code = "environment_not_found"
	CodeTemplateNotFound      Code = "template_not_found"
	CodeRunNotFound           Code = "run_not_found"
	CodeInvalidDSL            Code = "invalid_dsl"
	CodeInternalError         Code = "internal_error"
)

// Envelope is the single JSON response shape for both success and failure.
// OK distinguishes the two; Error and Detail are only set on failure, Data
// only on success.
type Envelope struct {
	OK     bool   `json:"ok"`
	Error  Code   `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// WriteJSON writes a successful envelope wrapping data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{OK: true, Data: data})
}

// WriteError writes a failing envelope with the given status and Code. detail
// is the human-readable message; callers pass err.Error() or a fixed string.
func WriteError(w http.ResponseWriter, status int, code Code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{OK: false, Error: code, Detail: detail})
}

// FromKind maps an apperrors.Kind to a generic status/Code pair, for call
// sites with no more specific resource context (e.g. an unexpected internal
// failure). Resource-specific not-found cases (environment/template/run)
// should use the dedicated Code constants directly instead.
func FromKind(kind apperrors.Kind) (int, Code) {
	switch kind {
	case apperrors.AuthMissing, apperrors.AuthInvalid:
		return http.StatusUnauthorized, CodeNotAuthed
	case apperrors.NotFound:
		return http.StatusNotFound, CodeEnvironmentNotFound
	case apperrors.PreconditionFailed:
		return http.StatusPreconditionFailed, CodeInvalidEnvironmentPath
	case apperrors.Conflict:
		return http.StatusConflict, CodeInternalError
	case apperrors.DSLInvalid:
		return http.StatusBadRequest, CodeInvalidDSL
	case apperrors.StoreUnavailable, apperrors.Timeout:
		return http.StatusServiceUnavailable, CodeInternalError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
