// Command gateway serves an OpenAI-compatible API in front of the Qwen web
// chat backend.
//
// It reads configuration from environment variables, an optional .env file
// and an optional config.yaml, then listens on the configured port.
//
// Quick-start (file-backed accounts, no Redis required):
//
//	API_KEYS=sk-local ./gateway
//	curl -H 'X-API-Key: sk-local' -d '{"username":"me@example.com","password":"..."}' \
//	    localhost:8080/accounts/login
//
// See internal/config for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/qwen-gateway/internal/app"
	"github.com/nulpointcorp/qwen-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run blocks until SIGINT or SIGTERM, then drains the server.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()
	return a.Run(ctx)
}

// newLogger writes JSON to stdout. Debug level also records the source line.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}))
}
