// Package orchestrator executes backend chat calls with credential rotation,
// one re-authentication on 401 and bounded exponential backoff on 429.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
	"github.com/nulpointcorp/qwen-gateway/internal/stream"
)

const opChat = "chat"

// Mode selects how a successful response is consumed.
type Mode int

const (
	// ModeSingle reads the whole response body.
	ModeSingle Mode = iota
	// ModeStream hands the live body to the stream translator.
	ModeStream
)

// ChatBackend issues one chat call. *backend.Client implements it.
type ChatBackend interface {
	Chat(ctx context.Context, cred credentials.Credential, body []byte) (*http.Response, error)
}

// CredentialSource hands out credentials and re-authenticates them.
// *credentials.Pool implements it.
type CredentialSource interface {
	Acquire() (credentials.Credential, error)
	Refresh(ctx context.Context, identifier string) (credentials.Credential, error)
}

// Call is one logical request.
type Call struct {
	Body []byte

	// Credential pins the call to a credential; nil acquires one from the
	// pool.
	Credential *credentials.Credential

	// RequestID is carried into logs.
	RequestID string

	// Stream settings, used in ModeStream only.
	CompletionID string
	Model        string
	Render       stream.RenderMode
	Thinking     *bool
}

// Result of a successful Execute. Exactly one of Body and Stream is set.
type Result struct {
	Body       []byte
	Stream     *stream.Sequence
	Credential credentials.Credential
	Attempts   int
}

type Options struct {
	Policy Policy

	// AttemptTimeout bounds the wait for the backend to answer one attempt
	// (and to deliver the body in ModeSingle). Zero disables it.
	AttemptTimeout time.Duration

	// Breaker is optional.
	Breaker *Breaker

	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	backend ChatBackend
	creds   CredentialSource
	opts    Options
	log     *slog.Logger
}

func New(b ChatBackend, creds CredentialSource, opts Options) *Orchestrator {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{backend: b, creds: creds, opts: opts, log: log}
}

// Policy returns the retry policy in effect.
func (o *Orchestrator) Policy() Policy { return o.opts.Policy }

// Execute runs call until it succeeds or a budget is exhausted.
func (o *Orchestrator) Execute(ctx context.Context, call Call, mode Mode) (*Result, error) {
	var cred credentials.Credential
	if call.Credential != nil {
		cred = *call.Credential
	} else {
		c, err := o.creds.Acquire()
		if err != nil {
			return nil, err
		}
		cred = c
	}

	pol := o.opts.Policy
	authLeft := pol.AuthRetries
	rateLimited := 0

	for attempt := 1; ; attempt++ {
		res, err := o.attempt(ctx, call, cred, mode)
		if err == nil {
			res.Credential = cred
			res.Attempts = attempt
			return res, nil
		}

		var be *backend.Error
		if !errors.As(err, &be) {
			o.fail(err)
			return nil, err
		}

		switch pol.Decide(be.StatusCode) {
		case ActionRefresh:
			if authLeft <= 0 {
				err := fmt.Errorf("%w: %s: %w", credentials.ErrAuthenticationFailed, cred.Identifier, be)
				o.fail(err)
				return nil, err
			}
			authLeft--

			o.log.WarnContext(ctx, "upstream_unauthorized",
				slog.String("request_id", call.RequestID),
				slog.String("identifier", cred.Identifier),
				slog.Int("attempt", attempt),
			)
			refreshed, rerr := o.creds.Refresh(ctx, cred.Identifier)
			if rerr != nil {
				o.fail(rerr)
				return nil, rerr
			}
			cred = refreshed

		case ActionBackoff:
			rateLimited++
			if rateLimited >= pol.RateLimitRetries {
				err := &RateLimitedError{
					Attempts:   rateLimited,
					StatusCode: be.StatusCode,
					Body:       be.Body,
					RetryAfter: pol.Backoff(rateLimited),
				}
				o.fail(err)
				return nil, err
			}
			d := pol.Backoff(rateLimited - 1)
			o.log.WarnContext(ctx, "upstream_rate_limited",
				slog.String("request_id", call.RequestID),
				slog.String("identifier", cred.Identifier),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", d),
			)
			if o.opts.Metrics != nil {
				o.opts.Metrics.RecordBackoff(opChat, d)
			}
			if err := o.opts.Sleep(ctx, d); err != nil {
				return nil, err
			}

		default:
			o.fail(be)
			return nil, be
		}
	}
}

// attempt performs one backend call and consumes the answer per mode.
func (o *Orchestrator) attempt(ctx context.Context, call Call, cred credentials.Credential, mode Mode) (*Result, error) {
	if !o.opts.Breaker.Allow(opChat) {
		return nil, fmt.Errorf("%w: circuit open", ErrBackendUnavailable)
	}

	actx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if o.opts.AttemptTimeout > 0 {
		timer = time.AfterFunc(o.opts.AttemptTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stopTimer := func() bool {
		if timer == nil {
			return true
		}
		return timer.Stop()
	}

	start := time.Now()
	resp, err := o.backend.Chat(actx, cred, call.Body)
	if err != nil {
		stopTimer()
		cancel()
		return nil, o.classify(ctx, err, &timedOut, start)
	}

	if mode == ModeStream {
		if !stopTimer() {
			resp.Body.Close()
			cancel()
			return nil, o.classify(ctx, context.DeadlineExceeded, &timedOut, start)
		}
		o.observe("ok", start)
		o.opts.Breaker.RecordSuccess(opChat)
		seq := stream.NewSequence(&cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, stream.Options{
			ID:       call.CompletionID,
			Model:    call.Model,
			Render:   call.Render,
			Thinking: call.Thinking,
			Logger:   o.log,
			Metrics:  o.opts.Metrics,
		})
		return &Result{Stream: seq}, nil
	}

	body, err := backend.ReadAll(resp)
	stopTimer()
	cancel()
	if err != nil {
		return nil, o.classify(ctx, err, &timedOut, start)
	}
	o.observe("ok", start)
	o.opts.Breaker.RecordSuccess(opChat)
	return &Result{Body: body}, nil
}

// classify maps an attempt failure to the error returned to the caller and
// feeds the breaker.
func (o *Orchestrator) classify(ctx context.Context, err error, timedOut *atomic.Bool, start time.Time) error {
	var be *backend.Error
	switch {
	case errors.As(err, &be):
		switch be.StatusCode {
		case http.StatusUnauthorized:
			o.observe("unauthorized", start)
		case http.StatusTooManyRequests:
			o.observe("rate_limited", start)
		default:
			o.observe("error", start)
		}
		if be.StatusCode >= 500 {
			o.opts.Breaker.RecordFailure(opChat)
		} else {
			o.opts.Breaker.RecordSuccess(opChat)
		}
		return err

	case timedOut.Load():
		o.observe("timeout", start)
		o.opts.Breaker.RecordFailure(opChat)
		return &RequestTimeoutError{Timeout: o.opts.AttemptTimeout}

	case ctx.Err() != nil:
		o.observe("cancelled", start)
		o.opts.Breaker.Release(opChat)
		return ctx.Err()

	default:
		o.observe("transport", start)
		o.opts.Breaker.RecordFailure(opChat)
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
}

func (o *Orchestrator) observe(outcome string, start time.Time) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveUpstreamAttempt(opChat, outcome, time.Since(start))
	}
}

func (o *Orchestrator) fail(err error) {
	if o.opts.Metrics == nil {
		return
	}
	var (
		rl *RateLimitedError
		to *RequestTimeoutError
		be *backend.Error
	)
	switch {
	case errors.As(err, &rl):
		o.opts.Metrics.RecordError(opChat, "rate_limited")
	case errors.As(err, &to):
		o.opts.Metrics.RecordError(opChat, "timeout")
	case errors.Is(err, credentials.ErrAuthenticationFailed):
		o.opts.Metrics.RecordError(opChat, "auth")
	case errors.Is(err, credentials.ErrNoCredentialAvailable):
		o.opts.Metrics.RecordError(opChat, "no_credential")
	case errors.As(err, &be):
		o.opts.Metrics.RecordError(opChat, "backend")
	default:
		o.opts.Metrics.RecordError(opChat, "transport")
	}
}

// cancelOnClose releases the attempt context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
