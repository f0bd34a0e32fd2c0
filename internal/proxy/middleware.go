package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/qwen-gateway/pkg/apierr"
)

type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

const (
	requestIDKey    = "request_id"
	maxRequestIDLen = 128

	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, X-API-Key"
)

// securityHeaders is set on every response. The API serves no HTML.
var securityHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
}

// applyMiddleware wraps h so that mws[0] is the outermost layer.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}

// recovery turns a handler panic into the 500 envelope.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			g.log.Error("handler_panic",
				slog.Any("panic", r),
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.String("stack", string(debug.Stack())),
			)
			ctx.ResetBody()
			apierr.WriteInternal(ctx)
		}()
		next(ctx)
	}
}

// requestID echoes a well-formed client X-Request-ID or mints a UUID.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// responseHeaders stamps handler latency and the security headers. For
// streamed responses the latency covers the handler only, not the stream.
func responseHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Response-Time", time.Since(start).String())
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
	}
}

// cors allows any origin when origins is empty or ["*"]. Otherwise the
// request Origin is echoed only when listed. Preflights end here with 204.
func cors(origins []string) middleware {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if o := string(ctx.Request.Header.Peek("Origin")); o != "" {
					if _, ok := allowed[o]; ok {
						h.Set("Access-Control-Allow-Origin", o)
					}
				}
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// clientKey returns the caller's API key: X-API-Key, else a bearer token.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if k := strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key"))); k != "" {
		return k
	}
	return parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
}

// requireKey rejects callers whose key is not in keys; an empty set leaves
// the route open. Admin routes accept X-API-Key only.
func requireKey(keys map[string]struct{}, adminOnly bool) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if len(keys) == 0 {
			return next
		}
		return func(ctx *fasthttp.RequestCtx) {
			var key string
			if adminOnly {
				key = strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
			} else {
				key = clientKey(ctx)
			}
			switch _, known := keys[key]; {
			case key == "":
				apierr.Write(ctx, fasthttp.StatusUnauthorized, "missing API key",
					apierr.TypeAuthenticationErr, apierr.CodeMissingAPIKey)
			case !known:
				apierr.Write(ctx, fasthttp.StatusForbidden, "invalid API key",
					apierr.TypePermissionErr, apierr.CodeInvalidAPIKey)
			default:
				next(ctx)
			}
		}
	}
}

// limiterKey identifies the caller for rate limiting without keeping the
// raw key in Redis.
func limiterKey(ctx *fasthttp.RequestCtx) string {
	if k := clientKey(ctx); k != "" {
		sum := sha256.Sum256([]byte(k))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ctx.RemoteIP().String()
}

// rateLimit applies the gateway limiter. A limiter error lets the request
// through.
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.limiter == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		lctx, cancel := context.WithTimeout(g.baseCtx, time.Second)
		allowed, err := g.limiter.Allow(lctx, limiterKey(ctx))
		cancel()
		if err != nil {
			g.log.Warn("rate_limit_check_failed", slog.String("error", err.Error()))
		}
		if err == nil && !allowed {
			apierr.WriteRateLimit(ctx, time.Minute, "rate limit exceeded")
			return
		}
		next(ctx)
	}
}
