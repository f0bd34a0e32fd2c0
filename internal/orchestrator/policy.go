package orchestrator

import (
	"net/http"
	"time"
)

// Action is the retry decision for one backend status.
type Action int

const (
	// ActionFail returns the backend error to the caller.
	ActionFail Action = iota
	// ActionRefresh re-authenticates the credential and retries.
	ActionRefresh
	// ActionBackoff sleeps and retries.
	ActionBackoff
)

// Policy is shared by single and stream calls. The two budgets are
// independent: refreshing a credential does not consume rate-limit attempts.
type Policy struct {
	// AuthRetries is how many times a 401 may trigger a refresh.
	AuthRetries int
	// RateLimitRetries bounds the total attempts while the backend answers
	// 429.
	RateLimitRetries int
	// BackoffBase is the first backoff delay; each further one doubles.
	BackoffBase time.Duration
}

func DefaultPolicy() Policy {
	return Policy{AuthRetries: 1, RateLimitRetries: 5, BackoffBase: time.Second}
}

// Decide maps a non-success status to an action.
func (p Policy) Decide(status int) Action {
	switch status {
	case http.StatusUnauthorized:
		return ActionRefresh
	case http.StatusTooManyRequests:
		return ActionBackoff
	default:
		return ActionFail
	}
}

// Backoff returns base·2^attempt for a zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.BackoffBase << attempt
}
