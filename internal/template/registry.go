// Package template provides the read-only template catalog: an in-memory
// cache in front of the templates platform table, with an optional
// scheduled refresh so long-lived processes don't serve a stale seed bundle
// after an operator edits a template out of band.
package template

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hubertpysklo/agent-diff/internal/app/domain/template"
	"github.com/hubertpysklo/agent-diff/internal/app/storage"
	"github.com/hubertpysklo/agent-diff/internal/app/system"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// Registry is a caching, optionally auto-refreshing front for a
// storage.TemplateStore. It satisfies storage.TemplateStore itself, so it
// can be handed to the isolation Engine in place of the raw store.
type Registry struct {
	store storage.TemplateStore
	log   *logger.Logger

	mu       sync.RWMutex
	byID     map[string]template.Template
	latest   map[nameKey]template.Template
	versions map[nameKey]map[string]template.Template

	refreshSchedule string
	refreshTimeout  time.Duration
	cron            *cron.Cron
	entryID         cron.EntryID
}

type nameKey struct {
	service string
	name    string
}

var _ storage.TemplateStore = (*Registry)(nil)
var _ system.Service = (*Registry)(nil)

// New builds a Registry backed by store. The cache starts empty and is
// populated lazily on first access; call Refresh to warm it eagerly.
func New(store storage.TemplateStore, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("template-registry")
	}
	return &Registry{
		store:          store,
		log:            log,
		byID:           make(map[string]template.Template),
		latest:         make(map[nameKey]template.Template),
		versions:       make(map[nameKey]map[string]template.Template),
		refreshTimeout: 30 * time.Second,
	}
}

// WithRefreshSchedule configures a cron schedule (standard five-field cron
// syntax) on which the Registry reloads its entire cache from the store.
// Without a schedule the Registry only ever caches what it is asked for.
// Must be called before Start.
func (r *Registry) WithRefreshSchedule(spec string) *Registry {
	r.refreshSchedule = spec
	return r
}

// Name implements system.Service.
func (r *Registry) Name() string { return "template-registry" }

// Start warms the cache and, if a refresh schedule was configured, starts
// the background cron job that reloads it periodically.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.log.WithField("error", err).Warn("initial template cache warm failed")
	}

	if r.refreshSchedule == "" {
		return nil
	}

	c := cron.New()
	id, err := c.AddFunc(r.refreshSchedule, r.refreshTick)
	if err != nil {
		return fmt.Errorf("template registry: invalid refresh schedule %q: %w", r.refreshSchedule, err)
	}
	r.cron = c
	r.entryID = id
	c.Start()
	r.log.WithField("schedule", r.refreshSchedule).Info("template registry refresh scheduled")
	return nil
}

// Stop halts the scheduled refresh job, if one is running.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *Registry) refreshTick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		r.log.WithField("error", err).Warn("scheduled template cache refresh failed")
	}
}

// Refresh reloads every template from the backing store into the cache.
func (r *Registry) Refresh(ctx context.Context) error {
	templates, err := r.store.ListTemplates(ctx, "")
	if err != nil {
		return fmt.Errorf("template registry: list templates: %w", err)
	}

	byID := make(map[string]template.Template, len(templates))
	versions := make(map[nameKey]map[string]template.Template)
	latest := make(map[nameKey]template.Template)

	for _, t := range templates {
		byID[t.ID] = t
		key := nameKey{service: t.Service, name: t.Name}
		if versions[key] == nil {
			versions[key] = make(map[string]template.Template)
		}
		versions[key][t.Version] = t
		if cur, ok := latest[key]; !ok || t.CreatedAt.After(cur.CreatedAt) {
			latest[key] = t
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.versions = versions
	r.latest = latest
	r.mu.Unlock()

	r.log.WithField("count", len(templates)).Debug("template registry cache refreshed")
	return nil
}

// Get resolves ref by ID, or by (service, name, version) with an empty
// version meaning "latest", serving from cache when possible and falling
// back to the store (and caching the result) on a miss.
func (r *Registry) Get(ctx context.Context, ref template.Ref) (template.Template, error) {
	if t, ok := r.cached(ref); ok {
		return t, nil
	}

	t, err := r.store.GetTemplate(ctx, ref)
	if err != nil {
		return template.Template{}, err
	}
	r.cacheOne(t)
	return t, nil
}

func (r *Registry) cached(ref template.Ref) (template.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref.ID != "" {
		t, ok := r.byID[ref.ID]
		return t, ok
	}

	key := nameKey{service: ref.Service, name: ref.Name}
	if ref.Version == "" {
		t, ok := r.latest[key]
		return t, ok
	}
	byVersion, ok := r.versions[key]
	if !ok {
		return template.Template{}, false
	}
	t, ok := byVersion[ref.Version]
	return t, ok
}

func (r *Registry) cacheOne(t template.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[t.ID] = t
	key := nameKey{service: t.Service, name: t.Name}
	if r.versions[key] == nil {
		r.versions[key] = make(map[string]template.Template)
	}
	r.versions[key][t.Version] = t
	if cur, ok := r.latest[key]; !ok || t.CreatedAt.After(cur.CreatedAt) {
		r.latest[key] = t
	}
}

// CreateTemplate writes through to the store and caches the result.
func (r *Registry) CreateTemplate(ctx context.Context, t template.Template) (template.Template, error) {
	created, err := r.store.CreateTemplate(ctx, t)
	if err != nil {
		return template.Template{}, err
	}
	r.cacheOne(created)
	return created, nil
}

// GetTemplate satisfies storage.TemplateStore by delegating to Get.
func (r *Registry) GetTemplate(ctx context.Context, ref template.Ref) (template.Template, error) {
	return r.Get(ctx, ref)
}

// ListTemplates always reads through to the store: cache invalidation for a
// "list everything matching this service" query isn't worth the complexity
// the single-template cache above buys for point lookups.
func (r *Registry) ListTemplates(ctx context.Context, service string) ([]template.Template, error) {
	return r.store.ListTemplates(ctx, service)
}
