// Package serviceapi implements the Service Dispatcher (spec §4.K): the
// environment-scoped surface that fake third-party services mount under,
// e.g. /env/{id}/services/slack/chat.postMessage. It owns token
// verification, environment-status gating, and session lifetime; the actual
// service behavior is supplied by a registered ServiceHandler.
package serviceapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/hubertpysklo/agent-diff/internal/apierror"
	"github.com/hubertpysklo/agent-diff/internal/app/storage"
	"github.com/hubertpysklo/agent-diff/internal/session"
	"github.com/hubertpysklo/agent-diff/internal/token"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// Dispatcher routes /env/{id}/services/{name}/... requests to registered
// ServiceHandlers, after verifying the bearer token and the environment's
// lifecycle state and binding a namespace-scoped session.
type Dispatcher struct {
	Tokens       *token.Service
	Environments storage.EnvironmentStore
	Sessions     *session.Router
	Registry     *Registry
	Log          *logger.Logger
}

// Handler builds the routed http.Handler for the service surface. Unlike the
// Platform Dispatcher's stdlib ServeMux (simple prefix routes), this surface
// needs a true wildcard tail after {name} for each fake service's own
// sub-paths, which gorilla/mux's PathPrefix + named variables handles
// directly.
func (d *Dispatcher) Handler() http.Handler {
	router := mux.NewRouter()
	router.PathPrefix("/env/{id}/services/{name}/").HandlerFunc(d.serve)
	router.HandleFunc("/env/{id}/services/{name}", d.serve)

	return d.recover(router)
}

// recover is the outermost middleware: it catches panics from anywhere
// downstream (including a ServiceHandler) so one bad request never takes
// down the process.
func (d *Dispatcher) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if d.Log != nil {
					d.Log.WithField("panic", fmt.Sprintf("%v", rec)).
						WithField("stack", string(debug.Stack())).
						WithField("path", r.URL.Path).
						Error("panic recovered in service dispatcher")
				}
				apierror.WriteError(w, http.StatusInternalServerError, apierror.CodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// serve implements the middleware chain described in spec §4.K: decode the
// bearer token, confirm it matches the path's environment id, check the
// environment is still active, bind a namespace-scoped session, and dispatch
// to the named service handler. The session is always released, even if the
// handler panics, since the recover middleware wraps this call and Go still
// runs deferred functions while a panic unwinds the stack.
func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	envID := vars["id"]
	serviceName := vars["name"]

	raw := extractBearer(r)
	if raw == "" {
		apierror.WriteError(w, http.StatusUnauthorized, apierror.CodeNotAuthed, "missing bearer token")
		return
	}

	claims, err := d.Tokens.Decode(raw)
	if err != nil {
		apierror.WriteError(w, http.StatusUnauthorized, apierror.CodeNotAuthed, "invalid or expired token")
		return
	}
	if claims.EnvironmentID != envID {
		apierror.WriteError(w, http.StatusNotFound, apierror.CodeInvalidEnvironmentPath, "token does not match environment path")
		return
	}

	env, err := d.Environments.GetEnvironment(r.Context(), envID)
	if err != nil {
		apierror.WriteError(w, http.StatusNotFound, apierror.CodeEnvironmentNotFound, "environment not found")
		return
	}
	if env.Expired(time.Now().UTC()) {
		apierror.WriteError(w, http.StatusNotFound, apierror.CodeEnvironmentNotFound, "environment expired")
		return
	}

	handler, ok := d.Registry.Lookup(serviceName)
	if !ok {
		apierror.WriteError(w, http.StatusNotFound, apierror.CodeEnvironmentNotFound, "no service registered under "+serviceName)
		return
	}

	sess, err := d.Sessions.ForNamespace(r.Context(), env.NamespaceName)
	if err != nil {
		apierror.WriteError(w, http.StatusInternalServerError, apierror.CodeInternalError, err.Error())
		return
	}
	defer sess.Close()

	handler.ServeEnvironment(w, r, sess, claims)
}

func extractBearer(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(auth)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
