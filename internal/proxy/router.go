package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ServerOptions tunes the fasthttp server returned by NewServer.
type ServerOptions struct {
	ReadTimeout time.Duration
	// WriteTimeout bounds one response write. Zero leaves streams unbounded.
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxRequestBodySize int
}

// Handler returns the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	api := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return applyMiddleware(h, requireKey(g.apiKeys, false), g.rateLimit)
	}
	admin := requireKey(g.adminKeys, true)

	r.POST("/v1/chat/completions", api(g.dispatchChat))
	r.POST("/v1/images/generations", api(g.handleImages))
	r.POST("/v1/videos/generations", api(g.handleVideos))
	r.GET("/v1/models", api(g.handleModels))

	r.POST("/accounts/login", admin(g.handleLogin))
	r.POST("/accounts/logout/{username}", admin(g.handleLogout))
	r.GET("/accounts/list", admin(g.handleListAccounts))
	r.POST("/accounts/{username}/status", admin(g.handleAccountStatus))
	r.GET("/accounts/common-cookies", admin(g.handleGetCookies))
	r.POST("/accounts/common-cookies", admin(g.handleSetCookies))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		g.recovery,
		requestID,
		responseHeaders,
		cors(g.corsOrigins),
	)
}

// NewServer builds the HTTP server around Handler.
func (g *Gateway) NewServer(opts ServerOptions) *fasthttp.Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	return &fasthttp.Server{
		Name:               "qwen-gateway",
		Handler:            g.Handler(),
		ReadTimeout:        opts.ReadTimeout,
		WriteTimeout:       opts.WriteTimeout,
		IdleTimeout:        opts.IdleTimeout,
		MaxRequestBodySize: opts.MaxRequestBodySize,
	}
}

func (g *Gateway) handleImages(ctx *fasthttp.RequestCtx) {
	g.dispatchMedia(ctx, "images_generations", g.svc.GenerateImage)
}

func (g *Gateway) handleVideos(ctx *fasthttp.RequestCtx) {
	g.dispatchMedia(ctx, "videos_generations", g.svc.GenerateVideo)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
		return
	}
	snap := g.health.Snapshot()
	snap.Version = g.version
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
