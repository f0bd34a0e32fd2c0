// Package proxy is the HTTP surface of the gateway.
//
// The Gateway accepts OpenAI-compatible requests, authenticates the caller,
// applies per-client rate limiting and hands the request to the completion
// service. Streaming answers are written as SSE through the fasthttp body
// stream writer; everything else is a single JSON document.
//
// Account management routes live beside the API routes but are guarded by a
// separate set of admin keys.
package proxy

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/qwen-gateway/internal/completion"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/logger"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/ratelimit"
)

// Completer serves the generation routes.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
	GenerateImage(ctx context.Context, req completion.MediaRequest) (*completion.MediaResponse, error)
	GenerateVideo(ctx context.Context, req completion.MediaRequest) (*completion.MediaResponse, error)
}

// ModelLister serves GET /v1/models.
type ModelLister interface {
	List(ctx context.Context) []models.Model
}

// Accounts is the credential pool as seen by the admin routes.
type Accounts interface {
	Login(ctx context.Context, identifier, secret string) (credentials.Credential, error)
	Remove(ctx context.Context, identifier string) error
	SetEnabled(ctx context.Context, identifier string, enabled bool) error
	List() []credentials.Credential
	CommonCookies() map[string]string
	SetCommonCookies(ctx context.Context, cookies map[string]string) error
}

// GatewayOptions holds optional dependencies and tuning. Every field may be
// left zero.
type GatewayOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// APIKeys guards the /v1 routes. Empty disables authentication.
	APIKeys []string
	// AdminKeys guards /accounts. Empty falls back to APIKeys.
	AdminKeys []string

	// Limiter applies per-client request budgets on the /v1 routes.
	Limiter ratelimit.Limiter
	// RequestLog receives one entry per served API request.
	RequestLog *logger.Logger
	Health     *HealthChecker

	CORSOrigins []string
	Version     string
}

// Gateway wires the HTTP routes to the services behind them.
type Gateway struct {
	svc      Completer
	catalog  ModelLister
	accounts Accounts
	health   *HealthChecker

	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry
	limiter   ratelimit.Limiter
	reqLogger *logger.Logger

	apiKeys     map[string]struct{}
	adminKeys   map[string]struct{}
	corsOrigins []string
	version     string
}

// NewGateway creates a Gateway. baseCtx bounds every upstream call the
// gateway starts and must outlive the server.
func NewGateway(baseCtx context.Context, svc Completer, catalog ModelLister, accounts Accounts, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	adminKeys := opts.AdminKeys
	if len(adminKeys) == 0 {
		adminKeys = opts.APIKeys
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		svc:         svc,
		catalog:     catalog,
		accounts:    accounts,
		health:      opts.Health,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		limiter:     opts.Limiter,
		reqLogger:   opts.RequestLog,
		apiKeys:     keySet(opts.APIKeys),
		adminKeys:   keySet(adminKeys),
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// exchange tracks one API request for metrics and the request log.
type exchange struct {
	g        *Gateway
	ctx       *fasthttp.RequestCtx
	requestID string
	route     string
	start     time.Time
	reqBytes  int

	model      string
	credential string
	stream     bool
	attempts   int
	err        error
}

func (g *Gateway) begin(ctx *fasthttp.RequestCtx, route string) *exchange {
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	return &exchange{
		g:         g,
		ctx:       ctx,
		requestID: requestIDOf(ctx),
		route:     route,
		start:     time.Now(),
		reqBytes:  len(ctx.PostBody()),
	}
}

// end records the exchange. respBytes < 0 reads the buffered body length,
// which is only valid before the handler returns.
func (x *exchange) end(status, respBytes int) {
	g := x.g
	dur := time.Since(x.start)
	if g.metrics != nil {
		g.metrics.DecInFlight()
		if respBytes < 0 {
			respBytes = len(x.ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(x.route, status, dur, x.reqBytes, respBytes)
	}
	if g.reqLogger == nil {
		return
	}
	entry := logger.RequestLog{
		RequestID:  x.requestID,
		Route:      x.route,
		Model:      x.model,
		Credential: x.credential,
		Stream:     x.stream,
		Attempts:   uint8(min(x.attempts, 255)),
		Status:     uint16(status),
		LatencyMs:  uint32(dur.Milliseconds()),
		CreatedAt:  x.start.UTC(),
	}
	if x.err != nil {
		entry.Error = x.err.Error()
	}
	g.reqLogger.Log(entry)
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	x := g.begin(ctx, "chat_completions")
	streaming := false
	defer func() {
		if !streaming {
			x.end(ctx.Response.StatusCode(), -1)
		}
	}()

	req, err := completion.ParseRequest(ctx.PostBody())
	if err != nil {
		x.err = err
		g.writeError(ctx, err)
		return
	}
	req.RequestID = requestIDOf(ctx)
	x.model = req.Model

	callCtx, cancel := context.WithCancel(g.baseCtx)
	resp, err := g.svc.Complete(callCtx, req)
	if err != nil {
		cancel()
		x.err = err
		g.log.WarnContext(ctx, "chat_failed",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(x.start)),
		)
		g.writeError(ctx, err)
		return
	}
	x.credential = resp.Credential
	x.attempts = resp.Attempts

	if resp.Stream == nil {
		cancel()
		writeJSON(ctx, resp.Completion)
		return
	}

	streaming = true
	x.stream = true
	g.writeSSE(ctx, x, resp, cancel)
}

// writeSSE streams the sequence. The handler returns before the body is
// written, so the upstream context is released by the stream writer.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, x *exchange, resp *completion.Response, cancel context.CancelFunc) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	seq := resp.Stream
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		n, err := seq.WriteTo(w)
		if err != nil {
			x.err = err
		}
		g.log.Debug("chat_stream_done",
			slog.String("request_id", x.requestID),
			slog.String("model", x.model),
			slog.Int64("bytes", n),
			slog.Duration("elapsed", time.Since(x.start)),
		)
		x.end(fasthttp.StatusOK, int(n))
	})
}

// dispatchMedia handles the image and video generation routes.
func (g *Gateway) dispatchMedia(ctx *fasthttp.RequestCtx, route string,
	generate func(context.Context, completion.MediaRequest) (*completion.MediaResponse, error),
) {
	x := g.begin(ctx, route)
	defer func() { x.end(ctx.Response.StatusCode(), -1) }()

	req, err := completion.ParseMediaRequest(ctx.PostBody())
	if err != nil {
		x.err = err
		g.writeError(ctx, err)
		return
	}
	req.RequestID = requestIDOf(ctx)
	x.model = req.Model

	callCtx, cancel := context.WithCancel(g.baseCtx)
	defer cancel()

	resp, err := generate(callCtx, req)
	if err != nil {
		x.err = err
		g.log.WarnContext(ctx, "media_failed",
			slog.String("request_id", req.RequestID),
			slog.String("route", route),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		g.writeError(ctx, err)
		return
	}
	writeJSON(ctx, resp)
}

type modelList struct {
	Object string         `json:"object"`
	Data   []models.Model `json:"data"`
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	x := g.begin(ctx, "models")
	defer func() { x.end(ctx.Response.StatusCode(), -1) }()

	callCtx, cancel := context.WithTimeout(g.baseCtx, 30*time.Second)
	defer cancel()
	writeJSON(ctx, modelList{Object: "list", Data: g.catalog.List(callCtx)})
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
