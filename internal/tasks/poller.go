// Package tasks polls long-running media generation jobs until they finish.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

var (
	// ErrTaskFailed is returned when the backend reports the task failed.
	ErrTaskFailed = errors.New("tasks: task failed")
	// ErrTaskTimeout is returned when the time or attempt budget runs out.
	ErrTaskTimeout = errors.New("tasks: task did not finish in time")
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

type Status string

const (
	StatusPending            Status = "pending"
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusTimeout            Status = "timeout"
	StatusMaxRetriesExceeded Status = "max_retries_exceeded"
)

// Options bound one poll.
type Options struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultOptions returns the budget used for kind.
func DefaultOptions(kind Kind) Options {
	if kind == KindVideo {
		return Options{MaxAttempts: 120, Interval: 5 * time.Second, Timeout: 600 * time.Second}
	}
	return Options{MaxAttempts: 60, Interval: 3 * time.Second, Timeout: 180 * time.Second}
}

// Result describes the terminal state of a task.
type Result struct {
	TaskID   string
	Kind     Kind
	Status   Status
	URL      string
	Message  string
	Attempts int
}

// StatusChecker reads a task's state. *backend.Client implements it.
type StatusChecker interface {
	TaskStatus(ctx context.Context, cred credentials.Credential, id string) (backend.TaskStatus, error)
}

type PollerOptions struct {
	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Poller is safe for concurrent use; each Poll is independent.
type Poller struct {
	checker StatusChecker
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Registry
}

func NewPoller(checker StatusChecker, opts PollerOptions) *Poller {
	p := &Poller{
		checker: checker,
		sleep:   opts.Sleep,
		now:     opts.Now,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Poll checks taskID until it succeeds, fails or a budget runs out. Status
// check errors are logged and consume an attempt like a pending answer.
func (p *Poller) Poll(ctx context.Context, cred credentials.Credential, taskID string, kind Kind, opts Options) (Result, error) {
	def := DefaultOptions(kind)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	res := Result{TaskID: taskID, Kind: kind, Status: StatusPending}
	start := p.now()

	for res.Attempts < opts.MaxAttempts {
		res.Attempts++

		st, err := p.checker.TaskStatus(ctx, cred, taskID)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			p.record(kind, "error")
			p.log.WarnContext(ctx, "task_poll_error",
				slog.String("task_id", taskID),
				slog.Int("attempt", res.Attempts),
				slog.String("error", err.Error()),
			)

		case st.Status == string(StatusFailed):
			p.record(kind, "failed")
			res.Status = StatusFailed
			res.Message = st.Message
			p.finish(res, start)
			return res, fmt.Errorf("%w: %s: %s", ErrTaskFailed, taskID, st.Message)

		case st.Content != "":
			p.record(kind, "success")
			res.Status = StatusSuccess
			res.URL = st.Content
			p.finish(res, start)
			return res, nil

		default:
			p.record(kind, "pending")
			if p.now().Sub(start) > opts.Timeout {
				res.Status = StatusTimeout
				res.Message = "task timed out"
				p.finish(res, start)
				return res, fmt.Errorf("%w: %s: %s", ErrTaskTimeout, taskID, StatusTimeout)
			}
		}

		if err := p.sleep(ctx, opts.Interval); err != nil {
			return res, err
		}
	}

	res.Status = StatusMaxRetriesExceeded
	res.Message = "maximum poll attempts reached"
	p.finish(res, start)
	return res, fmt.Errorf("%w: %s: %s", ErrTaskTimeout, taskID, StatusMaxRetriesExceeded)
}

func (p *Poller) finish(res Result, start time.Time) {
	p.log.Info("task_finished",
		slog.String("task_id", res.TaskID),
		slog.String("kind", string(res.Kind)),
		slog.String("status", string(res.Status)),
		slog.Int("attempts", res.Attempts),
	)
	if p.metrics != nil {
		p.metrics.ObserveTask(string(res.Kind), string(res.Status), p.now().Sub(start))
	}
}

func (p *Poller) record(kind Kind, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordTaskPoll(string(kind), outcome)
	}
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
