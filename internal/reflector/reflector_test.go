package reflector

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestReflectCachesSecondCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("widgets"))
	mock.ExpectQuery("SELECT column_name, data_type FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).AddRow("id", "uuid"))
	mock.ExpectQuery("SELECT kcu.column_name").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))

	r := New()
	tables, err := r.Reflect(context.Background(), db, "state_abc", 1)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "widgets" {
		t.Fatalf("unexpected tables: %+v", tables)
	}

	// Second call for the same (namespace, schemaVersion) must not issue
	// further queries; sqlmock.ExpectationsWereMet below enforces that.
	tables2, err := r.Reflect(context.Background(), db, "state_abc", 1)
	if err != nil {
		t.Fatalf("Reflect (cached): %v", err)
	}
	if len(tables2) != 1 {
		t.Fatalf("expected cached result, got %+v", tables2)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReflectExcludesSnapshotTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("widgets").
			AddRow("widgets_snapshot_before"))
	mock.ExpectQuery("SELECT column_name, data_type FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).AddRow("id", "uuid"))
	mock.ExpectQuery("SELECT kcu.column_name").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))

	r := New()
	tables, err := r.Reflect(context.Background(), db, "state_xyz", 1)
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "widgets" {
		t.Fatalf("expected snapshot table excluded, got %+v", tables)
	}
}
