package proxy

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/completion"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/orchestrator"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
	"github.com/nulpointcorp/qwen-gateway/internal/upload"
	"github.com/nulpointcorp/qwen-gateway/pkg/apierr"
)

// writeError maps a service error onto an OpenAI-style error response.
// Authentication failures are checked before backend errors because they
// wrap the backend rejection.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error) {
	var (
		limited *orchestrator.RateLimitedError
		timeout *orchestrator.RequestTimeoutError
		bErr    *backend.Error
	)
	msg := err.Error()

	switch {
	case errors.Is(err, completion.ErrInvalidRequest):
		apierr.WriteInvalidRequest(ctx, msg)
	case errors.Is(err, credentials.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, msg, apierr.TypeNotFound, apierr.CodeNotFound)
	case errors.Is(err, credentials.ErrNoCredentialAvailable):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, msg, apierr.TypeServerError, apierr.CodeNoCredential)
	case errors.Is(err, credentials.ErrAuthenticationFailed):
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeAuthenticationErr, apierr.CodeUpstreamAuth)
	case errors.As(err, &limited):
		apierr.WriteRateLimit(ctx, limited.RetryAfter, msg)
	case errors.As(err, &timeout):
		apierr.WriteTimeout(ctx, msg)
	case errors.Is(err, tasks.ErrTaskTimeout):
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout, msg, apierr.TypeUpstreamError, apierr.CodeTaskTimeout)
	case errors.Is(err, tasks.ErrTaskFailed):
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeUpstreamError, apierr.CodeTaskFailed)
	case errors.As(err, &bErr):
		apierr.WriteUpstreamError(ctx, bErr.StatusCode, msg)
	case errors.Is(err, orchestrator.ErrBackendUnavailable), errors.Is(err, upload.ErrUploadFailed):
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeUpstreamError, apierr.CodeUpstreamError)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx, msg)
	case errors.Is(err, context.Canceled):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, "request cancelled", apierr.TypeServerError, apierr.CodeServiceUnavailable)
	default:
		g.log.ErrorContext(ctx, "unhandled_error", "error", msg)
		apierr.WriteInternal(ctx)
	}
}
