package platformapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/run"
	"github.com/hubertpysklo/agent-diff/internal/apierror"
	"github.com/hubertpysklo/agent-diff/internal/assertion"
	"github.com/hubertpysklo/agent-diff/internal/differ"
	"github.com/hubertpysklo/agent-diff/internal/dsl"
)

type startRunRequest struct {
	EnvironmentID string `json:"environment_id"`
	TestID        string `json:"test_id"`
}

// handleStartRun snapshots the environment's current state as the run's
// "before" picture and records the run as started.
func (s *Service) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidEnvironmentPath, "malformed request body")
		return
	}

	env, err := s.Environments.GetEnvironment(r.Context(), req.EnvironmentID)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
		return
	}
	if env.Expired(time.Now().UTC()) {
		apierror.WriteError(w, http.StatusNotFound, apierror.CodeEnvironmentNotFound, "environment expired")
		return
	}

	created, err := s.Runs.CreateRun(r.Context(), run.Run{EnvironmentID: env.ID, TestID: req.TestID, Status: run.StatusStarted})
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
		return
	}

	sess, err := s.Sessions.ForNamespace(r.Context(), env.NamespaceName)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
		return
	}
	defer sess.Close()

	tables, err := s.Reflector.Reflect(r.Context(), sess.Conn(), env.NamespaceName, env.SchemaVersion)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
		return
	}

	snapshotTag := "before_" + created.ID
	if err := s.Differ.Snapshot(r.Context(), sess, tables, snapshotTag); err != nil {
		writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
		return
	}

	created.SnapshotBefore = snapshotTag
	created, err = s.Runs.UpdateRun(r.Context(), created)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}

	apierror.WriteJSON(w, http.StatusCreated, created)
}

// diffRun snapshots the environment's current state as "after" and computes
// the row-level diff against rec's "before" snapshot. If rec already has an
// after snapshot, it is reused unless recompute asks for a fresh one.
func (s *Service) diffRun(ctx context.Context, rec run.Run, recompute bool) (run.Run, *differ.Diff, error) {
	env, err := s.Environments.GetEnvironment(ctx, rec.EnvironmentID)
	if err != nil {
		return rec, nil, err
	}

	sess, err := s.Sessions.ForNamespace(ctx, env.NamespaceName)
	if err != nil {
		return rec, nil, err
	}
	defer sess.Close()

	tables, err := s.Reflector.Reflect(ctx, sess.Conn(), env.NamespaceName, env.SchemaVersion)
	if err != nil {
		return rec, nil, err
	}

	snapshotTag := "after_" + rec.ID
	switch {
	case rec.SnapshotAfter == "":
		if err := s.Differ.Snapshot(ctx, sess, tables, snapshotTag); err != nil {
			return rec, nil, err
		}
	case recompute:
		if err := s.Differ.DropSnapshot(ctx, sess, tables, snapshotTag); err != nil {
			return rec, nil, err
		}
		if err := s.Differ.Snapshot(ctx, sess, tables, snapshotTag); err != nil {
			return rec, nil, err
		}
	}

	diff, err := s.Differ.Compute(ctx, sess, tables, rec.SnapshotBefore, snapshotTag)
	if err != nil {
		return rec, nil, err
	}

	diffBytes, err := json.Marshal(diff)
	if err != nil {
		return rec, nil, err
	}

	rec.SnapshotAfter = snapshotTag
	rec.DiffResult = diffBytes
	rec.Status = run.StatusDiffed
	rec, err = s.Runs.UpdateRun(ctx, rec)
	if err != nil {
		return rec, nil, err
	}
	return rec, diff, nil
}

type diffRunRequest struct {
	Recompute bool `json:"recompute"`
}

// handleDiffRun computes (or idempotently reuses) the run's after-snapshot
// diff. diff_run never touches assertions.
func (s *Service) handleDiffRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req diffRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidEnvironmentPath, "malformed request body")
		return
	}

	rec, err := s.Runs.GetRun(r.Context(), id)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}

	rec, _, err = s.diffRun(r.Context(), rec, req.Recompute)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}

	apierror.WriteJSON(w, http.StatusOK, rec)
}

// handleEvaluateRun compiles the run's bound test assertion and evaluates it
// against the run's diff, taking one first if the run has not been diffed
// yet.
func (s *Service) handleEvaluateRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := s.Runs.GetRun(r.Context(), id)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}
	if rec.TestID == "" {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidDSL, "run has no bound test")
		return
	}

	var diff *differ.Diff
	if rec.Status != run.StatusDiffed {
		rec, diff, err = s.diffRun(r.Context(), rec, false)
		if err != nil {
			writeEnvironmentError(w, err, apierror.CodeRunNotFound)
			return
		}
	} else {
		diff = &differ.Diff{}
		if err := json.Unmarshal(rec.DiffResult, diff); err != nil {
			apierror.WriteError(w, http.StatusInternalServerError, apierror.CodeInternalError, err.Error())
			return
		}
	}

	test, err := s.TestSuites.GetTest(r.Context(), rec.TestID)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}

	spec, err := dsl.Compile(test.AssertionDSL)
	if err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidDSL, err.Error())
		return
	}

	result := assertion.Evaluate(spec, diff)

	resultBytes, err := json.Marshal(result)
	if err != nil {
		apierror.WriteError(w, http.StatusInternalServerError, apierror.CodeInternalError, err.Error())
		return
	}

	now := time.Now().UTC()
	rec.AssertionResult = resultBytes
	rec.Status = run.StatusEvaluated
	rec.CompletedAt = &now
	rec, err = s.Runs.UpdateRun(r.Context(), rec)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}

	apierror.WriteJSON(w, http.StatusOK, map[string]any{"run": rec, "result": result})
}

func (s *Service) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeRunNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, rec)
}
