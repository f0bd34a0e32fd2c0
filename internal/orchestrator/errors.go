package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
)

// ErrBackendUnavailable wraps transport failures and open-circuit rejections.
var ErrBackendUnavailable = errors.New("orchestrator: backend unavailable")

// BackendError is a non-retryable answer from the backend.
type BackendError = backend.Error

// RateLimitedError is returned once the rate-limit budget is spent.
type RateLimitedError struct {
	Attempts   int
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("orchestrator: rate limited after %d attempts (status %d)", e.Attempts, e.StatusCode)
}

func (e *RateLimitedError) HTTPStatus() int { return http.StatusTooManyRequests }

// RequestTimeoutError is returned when one attempt exceeds its deadline.
// Timeouts are never retried.
type RequestTimeoutError struct {
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("orchestrator: backend did not answer within %s", e.Timeout)
}

func (e *RequestTimeoutError) HTTPStatus() int { return http.StatusGatewayTimeout }
