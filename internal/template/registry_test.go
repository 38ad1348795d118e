package template

import (
	"context"
	"testing"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/storage/memory"
)

func TestRegistryGetCachesAfterStoreLookup(t *testing.T) {
	store := memory.New()
	created, err := store.CreateTemplate(context.Background(), template.Template{
		Service: "slack",
		Name:    "default",
		Version: "v1",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	reg := New(store, nil)
	got, err := reg.Get(context.Background(), template.Ref{ID: created.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, got.ID)
	}

	if _, ok := reg.cached(template.Ref{ID: created.ID}); !ok {
		t.Fatal("expected template to be cached after lookup")
	}
}

func TestRegistryGetResolvesLatestVersion(t *testing.T) {
	store := memory.New()
	older, err := store.CreateTemplate(context.Background(), template.Template{Service: "linear", Name: "default", Version: "v1"})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	time.Sleep(time.Millisecond)
	newer, err := store.CreateTemplate(context.Background(), template.Template{Service: "linear", Name: "default", Version: "v2"})
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}

	reg := New(store, nil)
	got, err := reg.Get(context.Background(), template.Ref{Service: "linear", Name: "default"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != newer.ID {
		t.Fatalf("expected latest template %s, got %s (older was %s)", newer.ID, got.ID, older.ID)
	}
}

func TestRegistryRefreshWarmsCache(t *testing.T) {
	store := memory.New()
	created, err := store.CreateTemplate(context.Background(), template.Template{Service: "slack", Name: "default", Version: "v1"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	reg := New(store, nil)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, ok := reg.cached(template.Ref{ID: created.ID}); !ok {
		t.Fatal("expected refresh to populate cache")
	}
}

func TestRegistryCreateTemplateCaches(t *testing.T) {
	store := memory.New()
	reg := New(store, nil)

	created, err := reg.CreateTemplate(context.Background(), template.Template{Service: "slack", Name: "default", Version: "v1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok := reg.cached(template.Ref{ID: created.ID}); !ok {
		t.Fatal("expected CreateTemplate to cache the created template")
	}
}

func TestRegistryLifecycleWithRefreshSchedule(t *testing.T) {
	store := memory.New()
	reg := New(store, nil).WithRefreshSchedule("@every 1h")

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if reg.cron == nil {
		t.Fatal("expected cron scheduler to be running")
	}
	if err := reg.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRegistryLifecycleWithoutRefreshSchedule(t *testing.T) {
	store := memory.New()
	reg := New(store, nil)

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if reg.cron != nil {
		t.Fatal("expected no cron scheduler without a refresh schedule")
	}
	if err := reg.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
