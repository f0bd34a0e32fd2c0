package proxy

import (
	"context"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func okHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

// TestRecovery verifies that a panicking handler yields the 500 envelope and
// a healthy one is untouched.
func TestRecovery(t *testing.T) {
	g := NewGateway(context.Background(), &fakeCompleter{}, nil, nil, GatewayOptions{})

	ctx := &fasthttp.RequestCtx{}
	g.recovery(okHandler)(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK || string(ctx.Response.Body()) != "ok" {
		t.Fatalf("healthy handler altered: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.SetBodyString("partial")
	g.recovery(func(*fasthttp.RequestCtx) { panic("boom") })(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, `"internal_error"`) || strings.Contains(body, "partial") || strings.Contains(body, "boom") {
		t.Fatalf("body = %s", body)
	}
}

func TestRequestID(t *testing.T) {
	cases := []struct {
		name, in string
		keep     bool
	}{
		{"missing", "", false},
		{"client supplied", "trace-42", true},
		{"contains space", "a b", false},
		{"too long", strings.Repeat("x", maxRequestIDLen+1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			if tc.in != "" {
				ctx.Request.Header.Set("X-Request-ID", tc.in)
			}
			var seen string
			requestID(func(ctx *fasthttp.RequestCtx) { seen = requestIDOf(ctx) })(ctx)

			echoed := string(ctx.Response.Header.Peek("X-Request-ID"))
			if seen == "" || seen != echoed {
				t.Fatalf("context id %q, header %q", seen, echoed)
			}
			if (seen == tc.in) != tc.keep {
				t.Fatalf("id = %q, keep client id = %v", seen, tc.keep)
			}
		})
	}
}

func TestResponseHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	responseHeaders(okHandler)(ctx)

	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time missing")
	}
	for _, kv := range securityHeaders {
		if got := string(ctx.Response.Header.Peek(kv[0])); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestCORS(t *testing.T) {
	cases := []struct {
		name     string
		origins  []string
		origin   string
		wantACAO string
	}{
		{"open by default", nil, "https://x.test", "*"},
		{"explicit wildcard", []string{"*"}, "", "*"},
		{"listed origin echoed", []string{"https://a.test", "https://b.test/"}, "https://b.test", "https://b.test"},
		{"unlisted origin", []string{"https://a.test"}, "https://evil.test", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodGet)
			if tc.origin != "" {
				ctx.Request.Header.Set("Origin", tc.origin)
			}
			cors(tc.origins)(okHandler)(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tc.wantACAO {
				t.Fatalf("Allow-Origin = %q, want %q", got, tc.wantACAO)
			}
			if ctx.Response.StatusCode() != fasthttp.StatusOK {
				t.Fatalf("non-preflight request blocked: %d", ctx.Response.StatusCode())
			}
			if !strings.Contains(string(ctx.Response.Header.Peek("Access-Control-Allow-Headers")), "X-API-Key") {
				t.Fatal("X-API-Key must be an allowed header")
			}
		})
	}
}

// TestCORS_Preflight verifies that OPTIONS never reaches the handler.
func TestCORS_Preflight(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	cors(nil)(func(*fasthttp.RequestCtx) { t.Fatal("handler called on preflight") })(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent || len(ctx.Response.Body()) != 0 {
		t.Fatalf("preflight = %d %q", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")); got != corsMethods {
		t.Fatalf("Allow-Methods = %q", got)
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var trace []string
	tag := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				trace = append(trace, name+">")
				next(ctx)
				trace = append(trace, "<"+name)
			}
		}
	}

	applyMiddleware(func(*fasthttp.RequestCtx) { trace = append(trace, "h") }, tag("a"), tag("b"))(&fasthttp.RequestCtx{})
	if got := strings.Join(trace, " "); got != "a> b> h <b <a" {
		t.Fatalf("trace = %q", got)
	}

	trace = nil
	applyMiddleware(func(*fasthttp.RequestCtx) { trace = append(trace, "h") })(&fasthttp.RequestCtx{})
	if len(trace) != 1 {
		t.Fatalf("bare handler trace = %v", trace)
	}
}

func TestRequireKey(t *testing.T) {
	keys := keySet([]string{"sk-good"})

	cases := []struct {
		name      string
		adminOnly bool
		header    string
		value     string
		want      int
	}{
		{"missing", false, "", "", fasthttp.StatusUnauthorized},
		{"x-api-key", false, "X-API-Key", "sk-good", fasthttp.StatusOK},
		{"bearer", false, "Authorization", "Bearer sk-good", fasthttp.StatusOK},
		{"wrong key", false, "X-API-Key", "sk-bad", fasthttp.StatusForbidden},
		{"admin rejects bearer", true, "Authorization", "Bearer sk-good", fasthttp.StatusUnauthorized},
		{"admin x-api-key", true, "X-API-Key", "sk-good", fasthttp.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			if tc.header != "" {
				ctx.Request.Header.Set(tc.header, tc.value)
			}
			requireKey(keys, tc.adminOnly)(okHandler)(ctx)
			if got := ctx.Response.StatusCode(); got != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", got, tc.want, ctx.Response.Body())
			}
		})
	}
}

func TestRequireKey_EmptySetIsOpen(t *testing.T) {
	called := false
	requireKey(nil, false)(func(*fasthttp.RequestCtx) { called = true })(&fasthttp.RequestCtx{})
	if !called {
		t.Fatal("handler should run when no keys are configured")
	}
}

type countingLimiter struct {
	budget int
	keys   []string
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	l.budget--
	return l.budget >= 0, nil
}

// TestRateLimit_RejectsOverBudget verifies that a limited request gets a 429
// with Retry-After and that the caller key is hashed.
func TestRateLimit_RejectsOverBudget(t *testing.T) {
	lim := &countingLimiter{budget: 1}
	g := NewGateway(context.Background(), nil, nil, nil, GatewayOptions{Limiter: lim})
	h := g.rateLimit(okHandler)

	for i, want := range []int{fasthttp.StatusOK, fasthttp.StatusTooManyRequests} {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("X-API-Key", "sk-client")
		h(ctx)
		if got := ctx.Response.StatusCode(); got != want {
			t.Fatalf("request %d: status = %d, want %d", i, got, want)
		}
		if want == fasthttp.StatusTooManyRequests && string(ctx.Response.Header.Peek("Retry-After")) != "60" {
			t.Fatalf("Retry-After = %q", ctx.Response.Header.Peek("Retry-After"))
		}
	}
	if !strings.HasPrefix(lim.keys[0], "key:") || strings.Contains(lim.keys[0], "sk-client") {
		t.Fatalf("limiter key = %q", lim.keys[0])
	}
}
