package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/runtime"
)

func main() {
	addr := flag.String("addr", "", "platform dispatcher listen address, host:port (overrides config/env)")
	serviceAddr := flag.String("service-addr", "", "service dispatcher listen address, host:port (overrides config/env)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	apiTokensFlag := flag.String("api-tokens", "", "comma-separated API tokens to register alongside any already configured")
	flag.Parse()

	application, err := runtime.NewApplicationWithOptions(runtime.Options{
		Addr:           *addr,
		ServiceAddr:    *serviceAddr,
		DSN:            *dsn,
		SkipMigrations: !*runMigrations,
		ExtraAPITokens: splitTokens(*apiTokensFlag),
	})
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Fatalf("run application: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func splitTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
