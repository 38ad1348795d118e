// Package config provides environment-aware configuration management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(raw string) (Environment, bool) {
	switch Environment(strings.ToLower(strings.TrimSpace(raw))) {
	case Development:
		return Development, true
	case Testing:
		return Testing, true
	case Production:
		return Production, true
	default:
		return "", false
	}
}

// ServerConfig controls the platform and service HTTP dispatchers.
type ServerConfig struct {
	Host            string
	Port            int
	ServicePort     int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig controls the Postgres connection backing the Store.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// LoggingConfig mirrors pkg/logger.LoggingConfig so callers need not import
// the logger package just to build one from Config.
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	FilePrefix string
}

// IsolationConfig controls environment lifetime and reap cadence (spec §4.E, §5).
type IsolationConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	ReapInterval  time.Duration
	NamespacePool int // max concurrent namespace provisioning operations
}

// TokenConfig controls the Token Service (spec §4.F).
type TokenConfig struct {
	Secret string
	Issuer string
}

// TemplateConfig controls the Template Registry's cache refresh.
type TemplateConfig struct {
	// RefreshSchedule is a standard five-field cron expression. Empty
	// disables scheduled refresh; the registry still caches on demand.
	RefreshSchedule string
}

// Config holds all application configuration.
type Config struct {
	Env Environment

	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Isolation IsolationConfig
	Token     TokenConfig
	Template  TemplateConfig

	APITokens      []string
	MetricsEnabled bool
}

// Load loads configuration based on the AGENTDIFF_ENV environment variable,
// optionally layering a per-environment .env file on top of the process
// environment.
func Load() (*Config, error) {
	envStr := os.Getenv("AGENTDIFF_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid AGENTDIFF_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.Server = ServerConfig{
		Host:            getEnv("SERVER_HOST", "0.0.0.0"),
		Port:            getIntEnv("SERVER_PORT", 8080),
		ServicePort:     getIntEnv("SERVICE_PORT", 8081),
		ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	c.Database = DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "postgres"),
		DSN:             getEnv("DATABASE_URL", ""),
		MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getIntEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300),
	}

	c.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		Output:     getEnv("LOG_OUTPUT", "stdout"),
		FilePrefix: getEnv("LOG_FILE_PREFIX", "agentdiffd"),
	}

	c.Isolation = IsolationConfig{
		DefaultTTL:    getDurationEnv("ISOLATION_DEFAULT_TTL", 30*time.Minute),
		MaxTTL:        getDurationEnv("ISOLATION_MAX_TTL", 6*time.Hour),
		ReapInterval:  getDurationEnv("ISOLATION_REAP_INTERVAL", 30*time.Second),
		NamespacePool: getIntEnv("ISOLATION_NAMESPACE_POOL", 8),
	}

	c.Token = TokenConfig{
		Secret: getEnv("AGENTDIFF_JWT_SECRET", ""),
		Issuer: getEnv("AGENTDIFF_JWT_ISSUER", "agentdiffd"),
	}

	c.Template = TemplateConfig{
		RefreshSchedule: getEnv("TEMPLATE_REFRESH_SCHEDULE", ""),
	}

	c.APITokens = parseTokens(getEnv("API_TOKENS", ""))
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)

	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate checks production-sensitive invariants.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.Token.Secret) < 32 {
			return fmt.Errorf("AGENTDIFF_JWT_SECRET must be at least 32 bytes in production")
		}
		if len(c.APITokens) == 0 {
			return fmt.Errorf("API_TOKENS must be configured in production")
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

func parseTokens(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
