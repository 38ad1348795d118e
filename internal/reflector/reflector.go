// Package reflector discovers the table/column/primary-key shape of a
// namespace at runtime via information_schema, since template namespaces are
// not known at compile time (spec §4.B).
package reflector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

// ColumnDescriptor describes one column of a reflected table.
type ColumnDescriptor struct {
	Name string
	Type string
}

// TableDescriptor describes one reflected table, including its discovered
// primary key (empty when the table has none, in which case the Differ falls
// back to a content hash key).
type TableDescriptor struct {
	Name       string
	Columns    []ColumnDescriptor
	PrimaryKey []string
}

var snapshotTablePattern = regexp.MustCompile(`_snapshot_`)

// Querier is the subset of *sql.DB / *sql.Conn the Reflector needs; it lets
// callers pass either a pooled connection already bound to a namespace via
// search_path, or a *sql.DB for ad-hoc reflection against the current schema.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Reflector caches reflected schemas per (namespace, schemaVersion) so a
// namespace's shape is only queried once per version.
type Reflector struct {
	mu    sync.RWMutex
	cache map[cacheKey][]TableDescriptor
}

type cacheKey struct {
	namespace     string
	schemaVersion int64
}

// New returns an empty Reflector.
func New() *Reflector {
	return &Reflector{cache: make(map[cacheKey][]TableDescriptor)}
}

// Reflect returns the table shape of the namespace currently bound to q
// (via search_path), using the in-process cache when namespace+schemaVersion
// has already been reflected.
func (r *Reflector) Reflect(ctx context.Context, q Querier, namespace string, schemaVersion int64) ([]TableDescriptor, error) {
	key := cacheKey{namespace: namespace, schemaVersion: schemaVersion}

	r.mu.RLock()
	if cached, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	tables, err := reflectTables(ctx, q)
	if err != nil {
		return nil, apperrors.New("reflector", "Reflect", apperrors.StoreUnavailable, err)
	}

	r.mu.Lock()
	r.cache[key] = tables
	r.mu.Unlock()

	return tables, nil
}

// Invalidate drops every cached entry for namespace, regardless of schema
// version. Called when an environment is deleted.
func (r *Reflector) Invalidate(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.namespace == namespace {
			delete(r.cache, key)
		}
	}
}

func reflectTables(ctx context.Context, q Querier) ([]TableDescriptor, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if snapshotTablePattern.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]TableDescriptor, 0, len(names))
	for _, name := range names {
		cols, err := reflectColumns(ctx, q, name)
		if err != nil {
			return nil, err
		}
		pk, err := reflectPrimaryKey(ctx, q, name)
		if err != nil {
			return nil, err
		}
		out = append(out, TableDescriptor{Name: name, Columns: cols, PrimaryKey: pk})
	}
	return out, nil
}

func reflectColumns(ctx context.Context, q Querier, table string) ([]ColumnDescriptor, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s: %w", table, err)
	}
	defer rows.Close()

	var out []ColumnDescriptor
	for rows.Next() {
		var c ColumnDescriptor
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan column for %s: %w", table, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func reflectPrimaryKey(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("list primary key for %s: %w", table, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key column for %s: %w", table, err)
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}
