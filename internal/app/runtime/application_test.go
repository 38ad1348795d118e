package runtime

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hubertpysklo/agent-diff/internal/app/storage/postgres"
	"github.com/hubertpysklo/agent-diff/internal/config"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

func TestOpenStoreRejectsUnsupportedDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "mysql", DSN: "unused"}}
	if _, _, err := openStore(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenStoreRejectsEmptyDSN(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "postgres", DSN: ""}}
	if _, _, err := openStore(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSeedAPITokensSkipsBlankEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO api_keys").WillReturnResult(sqlmock.NewResult(1, 1))

	store := postgres.New(db)
	log := logger.NewDefault("test")

	if err := seedAPITokens(context.Background(), store, []string{"", "  ", "real-token"}, log); err != nil {
		t.Fatalf("seedAPITokens: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedAPITokensIgnoresConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO api_keys").WillReturnError(&duplicateKeyError{})

	store := postgres.New(db)
	log := logger.NewDefault("test")

	if err := seedAPITokens(context.Background(), store, []string{"already-seeded"}, log); err != nil {
		t.Fatalf("expected conflict to be swallowed, got %v", err)
	}
}

func TestConfigurePoolAppliesSettings(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	configurePool(db, config.DatabaseConfig{MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: 30})
}

func TestSplitHostPort(t *testing.T) {
	host, port, ok := splitHostPort(" 127.0.0.1:9090 ")
	if !ok || host != "127.0.0.1" || port != 9090 {
		t.Fatalf("unexpected result: %q %d %v", host, port, ok)
	}

	if _, _, ok := splitHostPort(""); ok {
		t.Fatal("expected empty addr to be rejected")
	}
	if _, _, ok := splitHostPort("not-a-port"); ok {
		t.Fatal("expected addr without port to be rejected")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "0.0.0.0", Port: 8080, ServicePort: 8081},
		Database: config.DatabaseConfig{DSN: "original-dsn"},
		APITokens: []string{"existing"},
	}

	applyOverrides(cfg, Options{
		Addr:           "127.0.0.1:9000",
		ServiceAddr:    "127.0.0.1:9001",
		DSN:            "postgres://override",
		ExtraAPITokens: []string{"extra"},
	})

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Fatalf("expected addr override applied, got %+v", cfg.Server)
	}
	if cfg.Server.ServicePort != 9001 {
		t.Fatalf("expected service port override applied, got %d", cfg.Server.ServicePort)
	}
	if cfg.Database.DSN != "postgres://override" {
		t.Fatalf("expected DSN override applied, got %s", cfg.Database.DSN)
	}
	if len(cfg.APITokens) != 2 || cfg.APITokens[1] != "extra" {
		t.Fatalf("expected API tokens appended, got %v", cfg.APITokens)
	}
}

// duplicateKeyError mimics a Postgres unique-violation error well enough for
// wrapErr to classify it as apperrors.Conflict via CreateAPIKey's fixed Kind.
type duplicateKeyError struct{}

func (*duplicateKeyError) Error() string { return "duplicate key value violates unique constraint" }
