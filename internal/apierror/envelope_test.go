package apierror

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

func TestWriteJSONWrapsData(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, 200, map[string]string{"id": "1"})

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.OK {
		t.Fatal("expected ok:true")
	}
}

func TestWriteErrorSetsEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, CodeEnvironmentNotFound, "environment abc not found")

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.OK {
		t.Fatal("expected ok:false")
	}
	if env.Error != CodeEnvironmentNotFound {
		t.Fatalf("expected code %s, got %s", CodeEnvironmentNotFound, env.Error)
	}
}

func TestFromKindMapsDSLInvalid(t *testing.T) {
	status, code := FromKind(apperrors.DSLInvalid)
	if status != 400 || code != CodeInvalidDSL {
		t.Fatalf("unexpected mapping: %d %s", status, code)
	}
}
