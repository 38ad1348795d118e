package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	app "github.com/hubertpysklo/agent-diff/internal/app"
	"github.com/hubertpysklo/agent-diff/internal/app/storage/postgres"
	"github.com/hubertpysklo/agent-diff/internal/apperrors"
	"github.com/hubertpysklo/agent-diff/internal/config"
	"github.com/hubertpysklo/agent-diff/internal/platform/database"
	"github.com/hubertpysklo/agent-diff/internal/platform/migrations"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// Application wires core dependencies and manages the process lifecycle.
type Application struct {
	cfg *config.Config
	log *logger.Logger
	app *app.Application
	db  *sql.DB
}

// Options lets a caller (the agentdiffd binary's flags) override values
// config.Load derived from the environment before wiring begins. A zero
// value makes no overrides.
type Options struct {
	Addr           string // overrides Server.Host:Port (host:port form)
	ServiceAddr    string // overrides Server.Host:ServicePort (host:port form)
	DSN            string // overrides Database.DSN
	SkipMigrations bool
	ExtraAPITokens []string
}

// NewApplication constructs a new application instance with default wiring,
// loading configuration from the environment.
func NewApplication() (*Application, error) {
	return NewApplicationWithOptions(Options{})
}

// NewApplicationWithOptions loads configuration from the environment, layers
// opts on top, and builds the application.
func NewApplicationWithOptions(opts Options) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, opts)
	return newApplication(cfg, opts.SkipMigrations)
}

func applyOverrides(cfg *config.Config, opts Options) {
	if host, port, ok := splitHostPort(opts.Addr); ok {
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if _, port, ok := splitHostPort(opts.ServiceAddr); ok {
		cfg.Server.ServicePort = port
	}
	if dsn := strings.TrimSpace(opts.DSN); dsn != "" {
		cfg.Database.DSN = dsn
	}
	cfg.APITokens = append(cfg.APITokens, opts.ExtraAPITokens...)
}

func splitHostPort(addr string) (host string, port int, ok bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, false
	}
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, false
	}
	host = addr[:idx]
	portStr := strings.TrimSpace(addr[idx+1:])
	parsed, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, parsed, true
}

func newApplication(cfg *config.Config, skipMigrations bool) (*Application, error) {
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}
	log := logger.New(logCfg)

	store, db, err := openStore(context.Background(), cfg, skipMigrations)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	if err := seedAPITokens(context.Background(), store, cfg.APITokens, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed API tokens: %w", err)
	}

	stores := app.Stores{
		Templates:    store,
		Environments: store,
		Runs:         store,
		TestSuites:   store,
		APIKeys:      store,
	}

	application, err := app.New(db, stores, cfg, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise application: %w", err)
	}

	return &Application{
		cfg: cfg,
		log: log,
		app: application,
		db:  db,
	}, nil
}

// Run starts the application and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return err
	}

	a.log.Infof("platform dispatcher listening on %s:%d, service dispatcher on %s:%d",
		a.cfg.Server.Host, a.cfg.Server.Port, a.cfg.Server.Host, a.cfg.Server.ServicePort)

	<-ctx.Done()
	return nil
}

// Shutdown gracefully stops the application and releases resources.
func (a *Application) Shutdown(ctx context.Context) error {
	if err := a.app.Stop(ctx); err != nil {
		return err
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithField("error", err).Warn("error closing database connection")
		}
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, skipMigrations bool) (*postgres.Store, *sql.DB, error) {
	driver := strings.TrimSpace(cfg.Database.Driver)
	dsn := strings.TrimSpace(cfg.Database.DSN)

	if !strings.EqualFold(driver, "postgres") {
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("database DSN is required")
	}

	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}

	configurePool(db, cfg.Database)

	if !skipMigrations {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	return postgres.New(db), db, nil
}

// seedAPITokens registers every configured platform API token, grounded on
// the teacher's env-sourced API_TOKENS bootstrap convention but persisting
// the hashed token to the store instead of keeping it in process memory.
// Re-registering an already-seeded token is a no-op.
func seedAPITokens(ctx context.Context, store *postgres.Store, tokens []string, log *logger.Logger) error {
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if err := store.CreateAPIKey(ctx, tok, "env-seed"); err != nil {
			if apperrors.Is(err, apperrors.Conflict) {
				continue
			}
			return err
		}
		log.Info("registered API token from configuration")
	}
	return nil
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
}
