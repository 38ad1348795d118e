package session

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestForNamespaceSetsSearchPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`SET search_path TO "state_abc123", public`).WillReturnResult(sqlmock.NewResult(0, 0))

	r := New(db)
	sess, err := r.ForNamespace(context.Background(), "state_abc123")
	if err != nil {
		t.Fatalf("ForNamespace: %v", err)
	}
	defer sess.Close()

	if sess.Namespace != "state_abc123" {
		t.Fatalf("expected namespace state_abc123, got %s", sess.Namespace)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMetaScopesToPublicOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`SET search_path TO public`).WillReturnResult(sqlmock.NewResult(0, 0))

	r := New(db)
	sess, err := r.Meta(context.Background())
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	defer sess.Close()

	if sess.Namespace != "" {
		t.Fatalf("expected empty namespace for meta session, got %s", sess.Namespace)
	}
}
