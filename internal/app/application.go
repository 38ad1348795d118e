// Package app assembles the Isolation Engine, Session Router, Reflector,
// Differ, and the two HTTP dispatchers into a single lifecycle-managed
// process, the way the teacher's application.go wires its domain services
// together behind a system.Manager.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hubertpysklo/agent-diff/internal/app/metrics"
	"github.com/hubertpysklo/agent-diff/internal/app/storage"
	"github.com/hubertpysklo/agent-diff/internal/app/storage/memory"
	"github.com/hubertpysklo/agent-diff/internal/app/system"
	"github.com/hubertpysklo/agent-diff/internal/config"
	"github.com/hubertpysklo/agent-diff/internal/differ"
	"github.com/hubertpysklo/agent-diff/internal/isolation"
	"github.com/hubertpysklo/agent-diff/internal/platformapi"
	"github.com/hubertpysklo/agent-diff/internal/reflector"
	"github.com/hubertpysklo/agent-diff/internal/serviceapi"
	"github.com/hubertpysklo/agent-diff/internal/session"
	templatereg "github.com/hubertpysklo/agent-diff/internal/template"
	"github.com/hubertpysklo/agent-diff/internal/token"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Templates   storage.TemplateStore
	Environments storage.EnvironmentStore
	Runs        storage.RunStore
	TestSuites  storage.TestSuiteStore
	APIKeys     storage.APIKeyStore
}

func (s *Stores) applyDefaults(mem *memory.Store) {
	if s == nil || mem == nil {
		return
	}
	if s.Templates == nil {
		s.Templates = mem
	}
	if s.Environments == nil {
		s.Environments = mem
	}
	if s.Runs == nil {
		s.Runs = mem
	}
	if s.TestSuites == nil {
		s.TestSuites = mem
	}
	if s.APIKeys == nil {
		s.APIKeys = mem
	}
}

// Application ties the isolation/session/differ/assertion machinery and the
// two HTTP dispatchers together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Engine    *isolation.Engine
	Reaper    *isolation.Reaper
	Tokens    *token.Service
	Sessions  *session.Router
	Reflector *reflector.Reflector
	Differ    *differ.Differ
	Templates *templatereg.Registry

	Platform *platformapi.Service
	Services *serviceapi.Dispatcher
	Handlers *serviceapi.Registry
}

// New builds a fully initialised application with the provided stores,
// bound to db for session/schema operations. db must be a live Postgres
// pool: the isolation engine and session router have no in-memory fallback,
// since schema-per-namespace isolation only makes sense against a real
// database.
func New(db *sql.DB, stores Stores, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if db == nil {
		return nil, fmt.Errorf("app: nil database handle")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	stores.applyDefaults(mem)

	manager := system.NewManager()

	sessions := session.New(db)
	refl := reflector.New()
	diffEngine := differ.New()

	tokens, err := token.New(cfg.Token.Secret, cfg.Token.Issuer, cfg.Env == config.Production)
	if err != nil {
		return nil, fmt.Errorf("configure token service: %w", err)
	}

	templates := templatereg.New(stores.Templates, log)
	if cfg.Template.RefreshSchedule != "" {
		templates = templates.WithRefreshSchedule(cfg.Template.RefreshSchedule)
	}

	engine := isolation.New(sessions, refl, templates, stores.Environments, tokens, cfg.Isolation.DefaultTTL, cfg.Isolation.MaxTTL)
	reaper := isolation.NewReaper(engine, cfg.Isolation.ReapInterval, log)

	platform := &platformapi.Service{
		Templates:    templates,
		Environments: stores.Environments,
		Runs:         stores.Runs,
		TestSuites:   stores.TestSuites,
		APIKeys:      stores.APIKeys,
		Engine:       engine,
		Sessions:     sessions,
		Reflector:    refl,
		Differ:       diffEngine,
		Log:          log,
	}

	registry := serviceapi.NewRegistry()
	dispatcher := &serviceapi.Dispatcher{
		Tokens:       tokens,
		Environments: stores.Environments,
		Sessions:     sessions,
		Registry:     registry,
		Log:          log,
	}

	if err := manager.Register(templates); err != nil {
		return nil, fmt.Errorf("register template registry: %w", err)
	}

	if err := manager.Register(reaper); err != nil {
		return nil, fmt.Errorf("register isolation reaper: %w", err)
	}

	platformAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	platformHTTP := newHTTPService("platform-http", platformAddr,
		metrics.InstrumentHandler(platform.Handler()),
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout, log)
	if err := manager.Register(platformHTTP); err != nil {
		return nil, fmt.Errorf("register platform http service: %w", err)
	}

	serviceAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ServicePort)
	serviceHTTP := newHTTPService("service-http", serviceAddr,
		metrics.InstrumentHandler(dispatcher.Handler()),
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout, log)
	if err := manager.Register(serviceHTTP); err != nil {
		return nil, fmt.Errorf("register service http service: %w", err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		Engine:    engine,
		Reaper:    reaper,
		Tokens:    tokens,
		Sessions:  sessions,
		Reflector: refl,
		Differ:    diffEngine,
		Templates: templates,
		Platform:  platform,
		Services:  dispatcher,
		Handlers:  registry,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
