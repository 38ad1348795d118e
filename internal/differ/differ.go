// Package differ implements the Snapshot/Diff engine (spec §4.G). It takes
// two point-in-time snapshots of a namespace's tables as plain `CREATE TABLE
// ... AS TABLE ...` copies, then computes the row-level diff between them with
// a single FULL OUTER JOIN per table, entirely in SQL.
package differ

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/app/metrics"
	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/session"
)

// Row is one table row, column name to scanned value.
type Row map[string]any

// Change pairs the before/after values of one updated row. ChangedFields is
// the subset of columns whose before/after values differ.
type Change struct {
	Before        Row
	After         Row
	ChangedFields []string
}

// EntityDiff is the computed diff for one table. All four buckets are
// populated eagerly by Compute so a Diff survives a JSON round-trip with
// nothing left to fetch lazily.
type EntityDiff struct {
	Table     string
	Inserted  []Row
	Deleted   []Row
	Updated   []Change
	Unchanged []Row
}

// Diff is the full computed diff of a run, one EntityDiff per reflected
// table.
type Diff struct {
	Entities map[string]*EntityDiff
}

// Differ snapshots and diffs a namespace's tables.
type Differ struct{}

// New returns a Differ.
func New() *Differ { return &Differ{} }

func snapshotTableName(table, suffix string) string {
	return fmt.Sprintf("%s_snapshot_%s", table, suffix)
}

// Snapshot copies every table in tables to "{table}_snapshot_{suffix}" inside
// one transaction. Any single failure rolls back the whole snapshot.
func (d *Differ) Snapshot(ctx context.Context, sess *session.Session, tables []reflector.TableDescriptor, suffix string) error {
	tx, err := sess.Conn().BeginTx(ctx, nil)
	if err != nil {
		return apperrors.New("differ", "Snapshot", apperrors.StoreUnavailable, err)
	}

	for _, table := range tables {
		snap := snapshotTableName(table.Name, suffix)
		stmt := fmt.Sprintf(`CREATE TABLE %s AS TABLE %s`, quoteIdent(snap), quoteIdent(table.Name))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return apperrors.New("differ", "Snapshot", apperrors.Internal, fmt.Errorf("snapshot %s: %w", table.Name, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.New("differ", "Snapshot", apperrors.Internal, err)
	}
	return nil
}

// DropSnapshot removes every "{table}_snapshot_{suffix}" table. Best-effort:
// it continues past missing tables (DROP TABLE IF EXISTS) so cleanup never
// fails a run that already completed.
func (d *Differ) DropSnapshot(ctx context.Context, sess *session.Session, tables []reflector.TableDescriptor, suffix string) error {
	for _, table := range tables {
		snap := snapshotTableName(table.Name, suffix)
		stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(snap))
		if _, err := sess.ExecContext(ctx, stmt); err != nil {
			return apperrors.New("differ", "DropSnapshot", apperrors.Internal, fmt.Errorf("drop %s: %w", snap, err))
		}
	}
	return nil
}

// Compute computes the diff between the "before" and "after" snapshots of
// every table in tables.
func (d *Differ) Compute(ctx context.Context, sess *session.Session, tables []reflector.TableDescriptor, beforeSuffix, afterSuffix string) (*Diff, error) {
	start := time.Now()
	diff, err := d.compute(ctx, sess, tables, beforeSuffix, afterSuffix)
	metrics.RecordDiffComputed(time.Since(start))
	return diff, err
}

func (d *Differ) compute(ctx context.Context, sess *session.Session, tables []reflector.TableDescriptor, beforeSuffix, afterSuffix string) (*Diff, error) {
	diff := &Diff{Entities: make(map[string]*EntityDiff, len(tables))}

	for _, table := range tables {
		before := snapshotTableName(table.Name, beforeSuffix)
		after := snapshotTableName(table.Name, afterSuffix)

		entity, err := computeEntityDiff(ctx, sess, table, before, after)
		if err != nil {
			return nil, err
		}
		diff.Entities[table.Name] = entity
	}

	return diff, nil
}

// keyColumns returns the column set used to correlate rows between the two
// snapshots: the reflected primary key if one exists, otherwise every column
// (compared as a synthetic content hash, since there is nothing else to key
// on).
func keyColumns(table reflector.TableDescriptor) []string {
	if len(table.PrimaryKey) > 0 {
		return table.PrimaryKey
	}
	cols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = c.Name
	}
	return cols
}

// keyExpr builds the SQL expression identifying a row for alias (a or b).
// With a real primary key it's just the PK tuple; without one it's an md5
// hash over every column, since two rows with no declared key are only
// "the same row" if every value matches.
func keyExpr(alias string, table reflector.TableDescriptor) string {
	if len(table.PrimaryKey) > 0 {
		parts := make([]string, len(table.PrimaryKey))
		for i, c := range table.PrimaryKey {
			parts[i] = fmt.Sprintf("%s.%s", alias, quoteIdent(c))
		}
		return strings.Join(parts, ", ")
	}
	parts := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		parts[i] = fmt.Sprintf("coalesce(%s.%s::text, '')", alias, quoteIdent(c.Name))
	}
	return fmt.Sprintf("md5(concat_ws('|', %s))", strings.Join(parts, ", "))
}

func computeEntityDiff(ctx context.Context, sess *session.Session, table reflector.TableDescriptor, before, after string) (*EntityDiff, error) {
	key := keyColumns(table)
	joinCond := make([]string, len(key))
	for i, c := range key {
		joinCond[i] = fmt.Sprintf("a.%s = b.%s", quoteIdent(c), quoteIdent(c))
	}

	distinctCond := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		distinctCond = append(distinctCond, fmt.Sprintf("a.%s IS DISTINCT FROM b.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
	}
	if len(distinctCond) == 0 {
		distinctCond = []string{"false"}
	}

	selectCols := make([]string, 0, len(table.Columns)*2)
	for _, c := range table.Columns {
		selectCols = append(selectCols, fmt.Sprintf("a.%s AS before_%s", quoteIdent(c.Name), c.Name))
	}
	for _, c := range table.Columns {
		selectCols = append(selectCols, fmt.Sprintf("b.%s AS after_%s", quoteIdent(c.Name), c.Name))
	}

	orderBy := fmt.Sprintf("coalesce(%s, %s)", keyExpr("a", table), keyExpr("b", table))

	query := fmt.Sprintf(`
		SELECT
			CASE
				WHEN %s IS NULL THEN 'insert'
				WHEN %s IS NULL THEN 'delete'
				WHEN %s THEN 'update'
				ELSE 'unchanged'
			END AS change_type,
			%s
		FROM %s a
		FULL OUTER JOIN %s b ON %s
		ORDER BY %s
	`,
		keyExprJoinSide("a", key), keyExprJoinSide("b", key), strings.Join(distinctCond, " OR "),
		strings.Join(selectCols, ", "),
		quoteIdent(before), quoteIdent(after), strings.Join(joinCond, " AND "),
		orderBy,
	)

	rows, err := sess.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.New("differ", "Compute", apperrors.Internal, fmt.Errorf("diff %s: %w", table.Name, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperrors.New("differ", "Compute", apperrors.Internal, err)
	}

	entity := &EntityDiff{Table: table.Name}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.New("differ", "Compute", apperrors.Internal, err)
		}

		changeType, beforeRow, afterRow := splitScannedRow(cols, vals, table)
		switch changeType {
		case "insert":
			entity.Inserted = append(entity.Inserted, afterRow)
		case "delete":
			entity.Deleted = append(entity.Deleted, beforeRow)
		case "update":
			entity.Updated = append(entity.Updated, Change{
				Before:        beforeRow,
				After:         afterRow,
				ChangedFields: changedFields(beforeRow, afterRow, table),
			})
		case "unchanged":
			entity.Unchanged = append(entity.Unchanged, afterRow)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New("differ", "Compute", apperrors.Internal, err)
	}

	return entity, nil
}

// keyExprJoinSide renders the first key column qualified by alias, used only
// to test IS NULL on the join result (any key column is null iff the whole
// side is unmatched, since key columns come from a NOT NULL primary key or
// from the synthetic hash which is never null).
func keyExprJoinSide(alias string, key []string) string {
	if len(key) == 0 {
		return fmt.Sprintf("%s.*", alias)
	}
	return fmt.Sprintf("%s.%s", alias, quoteIdent(key[0]))
}

func splitScannedRow(cols []string, vals []any, table reflector.TableDescriptor) (changeType string, before, after Row) {
	before = make(Row)
	after = make(Row)
	for i, col := range cols {
		switch col {
		case "change_type":
			if s, ok := vals[i].(string); ok {
				changeType = s
			}
		default:
			if strings.HasPrefix(col, "before_") {
				before[strings.TrimPrefix(col, "before_")] = vals[i]
			} else if strings.HasPrefix(col, "after_") {
				after[strings.TrimPrefix(col, "after_")] = vals[i]
			}
		}
	}
	return changeType, before, after
}

// changedFields returns the subset of table's columns whose value differs
// between before and after.
func changedFields(before, after Row, table reflector.TableDescriptor) []string {
	var out []string
	for _, c := range table.Columns {
		if !valuesEqual(before[c.Name], after[c.Name]) {
			out = append(out, c.Name)
		}
	}
	return out
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
