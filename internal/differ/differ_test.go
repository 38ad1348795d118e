package differ

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/session"
)

func newTestSession(t *testing.T) (*session.Session, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	mock.ExpectExec(`SET search_path TO "state_test", public`).WillReturnResult(sqlmock.NewResult(0, 0))

	r := session.New(db)
	sess, err := r.ForNamespace(context.Background(), "state_test")
	if err != nil {
		t.Fatalf("ForNamespace: %v", err)
	}
	return sess, mock, func() { sess.Close(); db.Close() }
}

func messagesTable() reflector.TableDescriptor {
	return reflector.TableDescriptor{
		Name: "messages",
		Columns: []reflector.ColumnDescriptor{
			{Name: "id", Type: "text"},
			{Name: "status", Type: "text"},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestSnapshotWrapsAllTablesInOneTransaction(t *testing.T) {
	sess, mock, closeFn := newTestSession(t)
	defer closeFn()

	tables := []reflector.TableDescriptor{messagesTable(), {Name: "users", Columns: []reflector.ColumnDescriptor{{Name: "id", Type: "text"}}, PrimaryKey: []string{"id"}}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE "messages_snapshot_before" AS TABLE "messages"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE "users_snapshot_before" AS TABLE "users"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	d := New()
	if err := d.Snapshot(context.Background(), sess, tables, "before"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSnapshotRollsBackOnFailure(t *testing.T) {
	sess, mock, closeFn := newTestSession(t)
	defer closeFn()

	tables := []reflector.TableDescriptor{messagesTable()}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE "messages_snapshot_before" AS TABLE "messages"`).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	d := New()
	if err := d.Snapshot(context.Background(), sess, tables, "before"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestComputeBucketsInsertUpdateDelete(t *testing.T) {
	sess, mock, closeFn := newTestSession(t)
	defer closeFn()

	tables := []reflector.TableDescriptor{messagesTable()}

	rows := sqlmock.NewRows([]string{"change_type", "before_id", "before_status", "after_id", "after_status"}).
		AddRow("insert", nil, nil, "1", "sent").
		AddRow("update", "2", "queued", "2", "sent").
		AddRow("delete", "3", "sent", nil, nil)
	mock.ExpectQuery(`FULL OUTER JOIN "messages_snapshot_after"`).WillReturnRows(rows)

	d := New()
	diff, err := d.Compute(context.Background(), sess, tables, "before", "after")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	entity := diff.Entities["messages"]
	if entity == nil {
		t.Fatal("expected entity diff for messages")
	}
	if len(entity.Inserted) != 1 || entity.Inserted[0]["id"] != "1" {
		t.Fatalf("unexpected inserted rows: %+v", entity.Inserted)
	}
	if len(entity.Deleted) != 1 || entity.Deleted[0]["id"] != "3" {
		t.Fatalf("unexpected deleted rows: %+v", entity.Deleted)
	}
	if len(entity.Updated) != 1 || entity.Updated[0].Before["status"] != "queued" || entity.Updated[0].After["status"] != "sent" {
		t.Fatalf("unexpected updated rows: %+v", entity.Updated)
	}
}

// TestComputeBucketsUnchangedAndReportsChangedFields covers S4: rows
// present and identical on both sides land in Unchanged, and an updated
// row's ChangedFields names exactly the columns that differ.
func TestComputeBucketsUnchangedAndReportsChangedFields(t *testing.T) {
	sess, mock, closeFn := newTestSession(t)
	defer closeFn()

	tables := []reflector.TableDescriptor{messagesTable()}

	rows := sqlmock.NewRows([]string{"change_type", "before_id", "before_status", "after_id", "after_status"}).
		AddRow("unchanged", "1", "sent", "1", "sent").
		AddRow("unchanged", "2", "sent", "2", "sent").
		AddRow("update", "3", "queued", "3", "sent")
	mock.ExpectQuery(`FULL OUTER JOIN "messages_snapshot_after"`).WillReturnRows(rows)

	d := New()
	diff, err := d.Compute(context.Background(), sess, tables, "before", "after")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	entity := diff.Entities["messages"]
	if len(entity.Unchanged) != 2 {
		t.Fatalf("expected 2 unchanged rows, got %+v", entity.Unchanged)
	}
	if len(entity.Updated) != 1 {
		t.Fatalf("expected 1 updated row, got %+v", entity.Updated)
	}
	changed := entity.Updated[0].ChangedFields
	if len(changed) != 1 || changed[0] != "status" {
		t.Fatalf("expected changed_fields [status], got %v", changed)
	}
}

func TestKeyColumnsFallsBackToAllColumnsWithoutPrimaryKey(t *testing.T) {
	table := reflector.TableDescriptor{
		Name:    "events",
		Columns: []reflector.ColumnDescriptor{{Name: "kind", Type: "text"}, {Name: "payload", Type: "text"}},
	}
	key := keyColumns(table)
	if len(key) != 2 || key[0] != "kind" || key[1] != "payload" {
		t.Fatalf("expected fallback to all columns, got %v", key)
	}
}
