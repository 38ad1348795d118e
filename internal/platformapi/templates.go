package platformapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/apierror"
	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/session"
)

func (s *Service) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	templates, err := s.Templates.ListTemplates(r.Context(), service)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, templates)
}

func (s *Service) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.Templates.GetTemplate(r.Context(), template.Ref{ID: id})
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, t)
}

// createTemplateRequest doubles as either a literal template body or a
// create_template_from_env request: when FromEnvironmentID is set, the
// literal StructuralDefinition/SeedBundle fields are ignored and instead
// derived by reflecting and dumping the named environment's current
// namespace.
type createTemplateRequest struct {
	template.Template
	FromEnvironmentID string `json:"from_environment_id"`
}

func (s *Service) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteError(w, http.StatusBadRequest, apierror.CodeInvalidEnvironmentPath, "malformed template body")
		return
	}

	if req.FromEnvironmentID != "" {
		t, err := s.captureTemplateFromEnvironment(r.Context(), req.FromEnvironmentID, req.Service, req.Name, req.Version)
		if err != nil {
			writeEnvironmentError(w, err, apierror.CodeEnvironmentNotFound)
			return
		}
		apierror.WriteJSON(w, http.StatusCreated, t)
		return
	}

	created, err := s.Templates.CreateTemplate(r.Context(), req.Template)
	if err != nil {
		writeEnvironmentError(w, err, apierror.CodeTemplateNotFound)
		return
	}
	apierror.WriteJSON(w, http.StatusCreated, created)
}

// captureTemplateFromEnvironment implements create_template_from_env (spec
// §4.D): it binds a session to the live environment's namespace, reflects
// its current schema, dumps every row of every table, and freezes the
// result into a new Template row. Unlike the Differ's snapshot tables, this
// reads the namespace's live tables directly: a template capture is a single
// point-in-time dump, no before/after suffixing involved.
func (s *Service) captureTemplateFromEnvironment(ctx context.Context, environmentID, service, name, version string) (template.Template, error) {
	env, err := s.Environments.GetEnvironment(ctx, environmentID)
	if err != nil {
		return template.Template{}, err
	}

	sess, err := s.Sessions.ForNamespace(ctx, env.NamespaceName)
	if err != nil {
		return template.Template{}, err
	}
	defer sess.Close()

	tables, err := s.Reflector.Reflect(ctx, sess.Conn(), env.NamespaceName, env.SchemaVersion)
	if err != nil {
		return template.Template{}, err
	}

	structDef := make([]template.TableDefinition, 0, len(tables))
	seedBundle := make(map[string][]map[string]any, len(tables))
	for _, tbl := range tables {
		structDef = append(structDef, template.TableDefinition{
			Name:       tbl.Name,
			DDL:        reconstructDDL(tbl),
			PrimaryKey: tbl.PrimaryKey,
		})

		rows, err := dumpTableRows(ctx, sess, tbl)
		if err != nil {
			return template.Template{}, err
		}
		seedBundle[tbl.Name] = rows
	}

	if service == "" {
		service = deriveServiceName(env.TemplateID)
	}
	if name == "" {
		name = fmt.Sprintf("captured-%s", env.ID)
	}
	if version == "" {
		version = time.Now().UTC().Format("20060102150405")
	}

	return s.Templates.CreateTemplate(ctx, template.Template{
		Service:              service,
		Name:                 name,
		Version:              version,
		StructuralDefinition: structDef,
		SeedBundle:           seedBundle,
	})
}

// deriveServiceName falls back to the source template's ID when the caller
// doesn't name a service explicitly for the capture; it only keeps the
// captured row non-empty, it does not resolve the original template's
// actual service name.
func deriveServiceName(templateID string) string {
	if templateID == "" {
		return "unknown"
	}
	return templateID
}

// reconstructDDL renders a CREATE TABLE statement from reflected column and
// primary-key metadata. information_schema doesn't expose the original DDL
// text, so this is a reconstruction, not a verbatim capture: defaults,
// non-PK constraints, and indexes aren't preserved, matching spec.md's
// "structural_definition" contract (schema shape + seed data), not a full
// pg_dump-equivalent backup.
func reconstructDDL(tbl reflector.TableDescriptor) string {
	cols := make([]string, 0, len(tbl.Columns)+1)
	for _, c := range tbl.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdentDDL(c.Name), c.Type))
	}
	if len(tbl.PrimaryKey) > 0 {
		pk := make([]string, len(tbl.PrimaryKey))
		for i, c := range tbl.PrimaryKey {
			pk[i] = quoteIdentDDL(c)
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pk, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdentDDL(tbl.Name), strings.Join(cols, ", "))
}

func quoteIdentDDL(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// dumpTableRows reads every row of tbl in the session's bound namespace,
// scanning each into a column-name-keyed map the same generic way the Differ
// decodes snapshot rows (spec §4.G), since neither knows the table's Go type
// at compile time.
func dumpTableRows(ctx context.Context, sess *session.Session, tbl reflector.TableDescriptor) ([]map[string]any, error) {
	rows, err := sess.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, quoteIdentDDL(tbl.Name)))
	if err != nil {
		return nil, apperrors.New("platformapi", "captureTemplateFromEnvironment", apperrors.Internal, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperrors.New("platformapi", "captureTemplateFromEnvironment", apperrors.Internal, err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.New("platformapi", "captureTemplateFromEnvironment", apperrors.Internal, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
