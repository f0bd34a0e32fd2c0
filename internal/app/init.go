package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/cache"
	"github.com/nulpointcorp/qwen-gateway/internal/completion"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/logger"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/orchestrator"
	"github.com/nulpointcorp/qwen-gateway/internal/proxy"
	"github.com/nulpointcorp/qwen-gateway/internal/ratelimit"
	"github.com/nulpointcorp/qwen-gateway/internal/stream"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
	"github.com/nulpointcorp/qwen-gateway/internal/upload"
)

// initInfra establishes optional external connections.
// Redis is required when STORE_MODE=redis and used by the rate limiter when
// REDIS_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := ConnectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		if a.cfg.Store.Mode == "redis" {
			return fmt.Errorf("redis: %w", err)
		}
		a.log.Warn("redis unavailable, continuing without it", slog.String("error", err.Error()))
		return nil
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

func (a *App) initMetrics(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	return nil
}

// initAccounts builds the backend client and loads the credential pool.
func (a *App) initAccounts(ctx context.Context) error {
	a.client = backend.New(
		backend.WithBaseURL(a.cfg.Qwen.BaseURL),
		backend.WithCommonCookies(func() map[string]string { return a.pool.CommonCookies() }),
		backend.WithLogger(a.log),
	)

	if a.cfg.Store.Mode == "file" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.Store.AccountsFile), 0o700); err != nil {
			return fmt.Errorf("accounts dir: %w", err)
		}
	}

	a.pool = credentials.NewPool(AccountStore(a.cfg, a.rdb), a.client, credentials.PoolOptions{
		Logger:  a.log,
		Metrics: a.prom,
	})
	if err := a.pool.Load(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	a.log.Info("accounts loaded",
		slog.Int("total", len(a.pool.List())),
		slog.Int("enabled", a.pool.EnabledCount()),
	)

	if a.cfg.Store.Mode == "file" && a.cfg.Store.WatchAccounts {
		w, err := credentials.Watch(a.baseCtx, a.pool, a.cfg.Store.AccountsFile, a.log)
		if err != nil {
			return err
		}
		a.watcher = w
	}
	return nil
}

// initServices builds everything between the HTTP layer and the backend.
func (a *App) initServices(_ context.Context) error {
	a.dedup = cache.NewDedup(uploadStore(a.cfg, a.rdb), cache.Options{Logger: a.log, Metrics: a.prom})
	a.dedup.LoadAsync(a.baseCtx)

	passthrough, err := upload.NewHostList(a.cfg.Upload.PassthroughHosts, a.cfg.Upload.PassthroughPatterns)
	if err != nil {
		return fmt.Errorf("upload passthrough: %w", err)
	}
	upOpts := upload.Options{
		Passthrough:   passthrough,
		FetchTimeout:  a.cfg.Upload.FetchTimeout,
		UploadTimeout: a.cfg.Upload.Timeout,
		MaxBytes:      a.cfg.Upload.MaxBytes,
		Logger:        a.log,
		Metrics:       a.prom,
	}
	if ep := a.cfg.Upload.OSSEndpoint; ep != "" {
		upOpts.Endpoint = func(tok backend.STSToken) string {
			return ep + "/" + tok.Bucket + "/" + tok.FilePath
		}
	}
	uploader := upload.New(a.client, a.dedup, upOpts)

	poller := tasks.NewPoller(a.client, tasks.PollerOptions{Logger: a.log, Metrics: a.prom})

	a.catalog = models.NewCatalog(a.client, a.pool, models.Options{
		TTL:          a.cfg.Models.CacheTTL,
		Fallback:     a.cfg.Models.Fallback,
		DefaultModel: a.cfg.Models.Default,
		ImageSize:    a.cfg.Image.Size,
		VideoSize:    a.cfg.Video.Size,
		Logger:       a.log,
		Metrics:      a.prom,
	})

	orch := orchestrator.New(a.client, a.pool, orchestrator.Options{
		Policy: orchestrator.Policy{
			AuthRetries:      a.cfg.Retry.AuthRetries,
			RateLimitRetries: a.cfg.Retry.RateLimitRetries,
			BackoffBase:      a.cfg.Retry.BackoffBase,
		},
		AttemptTimeout: a.cfg.Qwen.RequestTimeout,
		Breaker: orchestrator.NewBreaker(orchestrator.BreakerConfig{
			Threshold: a.cfg.CircuitBreaker.ErrorThreshold,
			Window:    a.cfg.CircuitBreaker.TimeWindow,
			HalfOpen:  a.cfg.CircuitBreaker.HalfOpenTimeout,
		}, a.prom),
		Logger:  a.log,
		Metrics: a.prom,
	})

	a.svc = completion.New(orch, a.catalog, uploader, poller, a.pool, completion.Options{
		Render: stream.ParseRenderMode(a.cfg.SearchRender),
		TaskOptions: map[tasks.Kind]tasks.Options{
			tasks.KindImage: pollBudget(a.cfg.Image.PollAttempts, a.cfg.Image.PollInterval, a.cfg.Image.PollTimeout),
			tasks.KindVideo: pollBudget(a.cfg.Video.PollAttempts, a.cfg.Video.PollInterval, a.cfg.Video.PollTimeout),
		},
		Logger:  a.log,
		Metrics: a.prom,
	})
	return nil
}

func pollBudget(attempts int, interval, timeout time.Duration) tasks.Options {
	return tasks.Options{MaxAttempts: attempts, Interval: interval, Timeout: timeout}
}

// initGateway wires the HTTP layer.
func (a *App) initGateway(ctx context.Context) error {
	var sink logger.Sink
	if a.cfg.ClickHouseDSN != "" {
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("request log sink: clickhouse")
	}
	reqLogger, err := logger.New(a.baseCtx, sink, a.log, a.prom)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	var limiter ratelimit.Limiter
	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		if a.rdb != nil {
			limiter = ratelimit.NewRPMLimiter(a.rdb, rpm, a.log, a.prom)
		} else {
			limiter = ratelimit.NewLocalLimiter(rpm, a.prom)
		}
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", rpm),
			slog.Bool("shared", a.rdb != nil),
		)
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, a.probes(), 0, a.prom)

	a.gw = proxy.NewGateway(a.baseCtx, a.svc, a.catalog, a.pool, proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		APIKeys:     a.cfg.Auth.APIKeys,
		AdminKeys:   a.cfg.Auth.AdminAPIKeys,
		Limiter:     limiter,
		RequestLog:  a.reqLogger,
		Health:      a.health,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})
	if len(a.cfg.Auth.APIKeys) == 0 {
		a.log.Warn("API_KEYS is empty; the API is open to anyone who can reach it")
	}

	a.srv = a.gw.NewServer(proxy.ServerOptions{
		MaxRequestBodySize: int(a.cfg.Upload.MaxBytes) + 4<<20,
	})
	return nil
}

var errNoEnabledAccount = errors.New("no enabled account")

// probes lists the health checks. Only an empty pool fails readiness: the
// backend may be briefly unreachable without the gateway being unusable.
func (a *App) probes() []proxy.Probe {
	ps := []proxy.Probe{
		{Name: "credentials", Critical: true, Check: func(context.Context) error {
			if a.pool.EnabledCount() == 0 {
				return errNoEnabledAccount
			}
			return nil
		}},
		{Name: "backend", Check: a.catalog.Probe},
		{Name: "upload_cache", Check: func(context.Context) error {
			if st := a.dedup.State(); st != cache.StateReady {
				return fmt.Errorf("upload cache %s", st)
			}
			return nil
		}},
	}
	if a.rdb != nil {
		ps = append(ps, proxy.Probe{
			Name:     "redis",
			Critical: a.cfg.Store.Mode == "redis",
			Check: func(ctx context.Context) error {
				return a.rdb.Ping(ctx).Err()
			},
		})
	}
	return ps
}
