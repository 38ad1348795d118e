// Package session implements the Session Router (spec §4.C): it checks out
// a connection from the shared pool and binds it to a namespace's schema via
// search_path, so every subsequent query on that connection is scoped to the
// environment without callers having to schema-qualify table names.
package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

// Session wraps a checked-out connection bound to one namespace.
type Session struct {
	conn      *sql.Conn
	Namespace string
}

// Router hands out namespace-bound Sessions from a shared connection pool.
type Router struct {
	db *sql.DB
}

// New wraps the given pool.
func New(db *sql.DB) *Router {
	return &Router{db: db}
}

// ForNamespace checks out a connection and binds it to namespace via
// search_path. Callers must Close the returned Session to release the
// connection back to the pool.
func (r *Router) ForNamespace(ctx context.Context, namespace string) (*Session, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.New("session.router", "ForNamespace", apperrors.StoreUnavailable, err)
	}

	searchPath := "public"
	if namespace != "" {
		searchPath = fmt.Sprintf("%s, public", pqIdentifier(namespace))
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", searchPath)); err != nil {
		conn.Close()
		return nil, apperrors.New("session.router", "ForNamespace", apperrors.Internal, err)
	}

	return &Session{conn: conn, Namespace: namespace}, nil
}

// Meta returns a Session scoped to the public schema only, for platform
// metadata operations that must never see a namespace's tables.
func (r *Router) Meta(ctx context.Context) (*Session, error) {
	return r.ForNamespace(ctx, "")
}

// Conn exposes the underlying connection for queries.
func (s *Session) Conn() *sql.Conn { return s.conn }

// QueryContext runs a query against the session's bound connection.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

// ExecContext runs a statement against the session's bound connection.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

// Close releases the connection back to the pool.
func (s *Session) Close() error {
	return s.conn.Close()
}

// pqIdentifier quotes namespace as a Postgres identifier. Namespace names are
// always engine-generated (state_<hex>), never user input, but quoting keeps
// this safe regardless.
func pqIdentifier(namespace string) string {
	return `"` + namespace + `"`
}
