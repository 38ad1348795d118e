package memory

import (
	"context"
	"testing"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/environment"
	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
)

func TestCreateAndGetTemplateByID(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateTemplate(ctx, template.Template{Service: "slack", Name: "default", Version: "v1"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.GetTemplate(ctx, template.Ref{ID: created.ID})
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Service != "slack" {
		t.Fatalf("expected service slack, got %s", got.Service)
	}
}

func TestGetTemplateByServiceNameLatest(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, _ := s.CreateTemplate(ctx, template.Template{Service: "linear", Name: "default", Version: "v1"})
	time.Sleep(time.Millisecond)
	second, _ := s.CreateTemplate(ctx, template.Template{Service: "linear", Name: "default", Version: "v2"})

	got, err := s.GetTemplate(ctx, template.Ref{Service: "linear", Name: "default"})
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected latest template %s, got %s (first was %s)", second.ID, got.ID, first.ID)
	}
}

func TestGetTemplateNotFound(t *testing.T) {
	s := New()
	_, err := s.GetTemplate(context.Background(), template.Ref{ID: "missing"})
	if !apperrors.Is(err, apperrors.NotFound) {
		t.Fatalf("expected NotFound kind, got %v", err)
	}
}

func TestListExpiredEnvironments(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	expired, _ := s.CreateEnvironment(ctx, environment.Environment{ExpiresAt: now.Add(-time.Minute)})
	_, _ = s.CreateEnvironment(ctx, environment.Environment{ExpiresAt: now.Add(time.Hour)})

	got, err := s.ListExpired(ctx)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("expected exactly the expired environment, got %+v", got)
	}
}

func TestValidAPIKey(t *testing.T) {
	s := New()
	s.AddAPIKey("secret-token")

	ok, err := s.ValidAPIKey(context.Background(), "secret-token")
	if err != nil || !ok {
		t.Fatalf("expected secret-token to be valid, got ok=%v err=%v", ok, err)
	}

	ok, err = s.ValidAPIKey(context.Background(), "wrong-token")
	if err != nil || ok {
		t.Fatalf("expected wrong-token to be invalid, got ok=%v err=%v", ok, err)
	}
}
