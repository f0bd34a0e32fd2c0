// Package apierr writes errors in the OpenAI error envelope on fasthttp
// responses.
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Values of the envelope's "type" field.
const (
	TypeUpstreamError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeServerError       = "server_error"
)

// Values of the envelope's "code" field.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeMissingAPIKey       = "missing_api_key"
	CodeInternalError       = "internal_error"
	CodeUpstreamError       = "upstream_error"
	CodeUpstreamAuth        = "upstream_authentication_failed"
	CodeNoCredential        = "no_credential_available"
	CodeRequestTimeout      = "request_timeout"
	CodeTaskFailed          = "task_failed"
	CodeTaskTimeout         = "task_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeServiceUnavailable  = "service_unavailable"
)

// defaultRetryAfter is advertised when the limiter cannot say how long to wait.
const defaultRetryAfter = time.Minute

// APIError is the object inside {"error": ...}.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Write replaces the response with status and an error envelope.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	body, err := json.Marshal(struct {
		Error APIError `json:"error"`
	}{APIError{Message: message, Type: errType, Code: code}})
	if err != nil {
		body = []byte(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// WriteUpstreamError maps a backend HTTP status to the gateway status.
//
//	Backend 429  → 429 + Retry-After: 60
//	Backend 4xx  → 502
//	Backend 5xx  → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	if upstreamStatus == fasthttp.StatusTooManyRequests {
		WriteRateLimit(ctx, 0, msg)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "upstream request timed out"
	}
	Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeUpstreamError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error. A zero retryAfter advertises
// the default of 60 seconds; partial seconds round up.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration, msg string) {
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	secs := int(math.Ceil(retryAfter.Seconds()))
	if msg == "" {
		msg = "rate limit exceeded"
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInvalidRequest writes a 400 error.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteInternal writes a 500 error without leaking details.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
