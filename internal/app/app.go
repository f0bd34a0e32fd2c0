// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: Redis when the store or the rate limiter needs it
//  2. initMetrics: Prometheus registry
//  3. initAccounts: backend client, credential pool, pool file watcher
//  4. initServices: dedup cache, uploader, poller, model catalogue, completion
//  5. initGateway: request logger, limiter, health probes, HTTP server
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/cache"
	"github.com/nulpointcorp/qwen-gateway/internal/completion"
	"github.com/nulpointcorp/qwen-gateway/internal/config"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/logger"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/proxy"
)

const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	prom *metrics.Registry

	client  *backend.Client
	pool    *credentials.Pool
	watcher *credentials.Watcher
	dedup   *cache.Dedup
	catalog *models.Catalog
	svc     *completion.Service

	reqLogger *logger.Logger
	health    *proxy.HealthChecker
	gw        *proxy.Gateway
	srv       *fasthttp.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"metrics", a.initMetrics},
		{"accounts", a.initAccounts},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() fasthttp.RequestHandler { return a.srv.Handler }

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("backend", a.cfg.Qwen.BaseURL),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Int("accounts", len(a.pool.List())),
		slog.Int("accounts_enabled", a.pool.EnabledCount()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.ShutdownWithContext(sctx); err != nil {
			a.log.Warn("server shutdown", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases everything New acquired, newest first. It is idempotent
// and safe for concurrent use.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		for _, c := range a.closers() {
			if err := c.close(); err != nil {
				a.log.Error("close failed", slog.String("component", c.name), slog.String("error", err.Error()))
			}
		}
	})
}

type closer struct {
	name  string
	close func() error
}

// closers lists the resources that exist, skipping steps that never ran.
func (a *App) closers() []closer {
	var cs []closer
	if a.health != nil {
		cs = append(cs, closer{"health", func() error { a.health.Close(); return nil }})
	}
	if a.reqLogger != nil {
		cs = append(cs, closer{"request_log", a.reqLogger.Close})
	}
	if a.watcher != nil {
		cs = append(cs, closer{"accounts_watcher", a.watcher.Close})
	}
	if a.rdb != nil {
		cs = append(cs, closer{"redis", a.rdb.Close})
	}
	return cs
}

// ConnectRedis dials url and PINGs it. Whether a failure is fatal is up to
// the caller.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// AccountStore returns the credential store selected by cfg. rdb must be
// non-nil in redis mode.
func AccountStore(cfg *config.Config, rdb *redis.Client) credentials.Store {
	if cfg.Store.Mode == "redis" {
		return credentials.NewRedisStore(rdb, "")
	}
	return credentials.NewFileStore(cfg.Store.AccountsFile)
}

// uploadStore returns the dedup cache store selected by cfg.
func uploadStore(cfg *config.Config, rdb *redis.Client) cache.Store {
	if cfg.Store.Mode == "redis" {
		return cache.NewRedisStore(rdb, "")
	}
	return cache.NewFileStore(cfg.Store.UploadCacheFile)
}

// redactURL hides the userinfo of a connection URL before it is logged.
func redactURL(raw string) string {
	at := strings.LastIndexByte(raw, '@')
	if at < 0 {
		return raw
	}
	if scheme := strings.Index(raw[:at], "://"); scheme >= 0 {
		return raw[:scheme+3] + "***" + raw[at:]
	}
	return "***" + raw[at:]
}
