// Command backend runs an HTTP mock of the Qwen web chat API and of the OSS
// bucket it uploads to. Point the gateway at it for E2E and load testing
// without real accounts:
//
//	QWEN_BASE_URL=http://localhost:19100/api OSS_ENDPOINT=http://localhost:19100/oss ./gateway
//
// Any username/password pair signs in.
//
// Behaviour flags (via env):
//
//	MOCK_PORT           listen port (default 19100)
//	MOCK_LATENCY_MS     artificial latency added to every response (default 0)
//	MOCK_STREAM_WORDS   words per answer (default 10)
//	MOCK_RATE_LIMIT_N   answer every Nth chat request with 429 (default 0, off)
//	MOCK_TASK_POLLS     status polls before a media task succeeds (default 2)
//	MOCK_TOKEN_TTL      lifetime of issued session tokens (default 1h)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds the mock's runtime knobs.
type Config struct {
	Port        string
	LatencyMS   int
	StreamWords int
	RateLimitN  int
	TaskPolls   int
	TokenTTL    time.Duration
}

func loadConfig() Config {
	c := Config{Port: "19100", StreamWords: 10, TaskPolls: 2, TokenTTL: time.Hour}

	if v := os.Getenv("MOCK_PORT"); v != "" {
		c.Port = v
	}
	c.LatencyMS = intEnv("MOCK_LATENCY_MS", c.LatencyMS)
	c.StreamWords = intEnv("MOCK_STREAM_WORDS", c.StreamWords)
	c.RateLimitN = intEnv("MOCK_RATE_LIMIT_N", c.RateLimitN)
	c.TaskPolls = intEnv("MOCK_TASK_POLLS", c.TaskPolls)
	if v := os.Getenv("MOCK_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.TokenTTL = d
		}
	}
	return c
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newHandler(cfg, log),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		log.Info("mock backend listening",
			slog.String("addr", srv.Addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Int("rate_limit_n", cfg.RateLimitN),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock backend stopped")
}
