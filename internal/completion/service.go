// Package completion turns OpenAI chat-completion requests into vendor calls
// and vendor answers back into OpenAI responses.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/orchestrator"
	"github.com/nulpointcorp/qwen-gateway/internal/stream"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
)

// ErrInvalidRequest marks a request the gateway refuses before calling the
// backend.
var ErrInvalidRequest = errors.New("completion: invalid request")

const defaultTemperature = 1.0

// Executor runs one backend call. *orchestrator.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, call orchestrator.Call, mode orchestrator.Mode) (*orchestrator.Result, error)
}

// Resolver maps a requested model to backend settings. *models.Catalog
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, model string) models.Config
}

// Saver turns an attachment into a URL the backend accepts.
// *upload.Uploader implements it.
type Saver interface {
	Save(ctx context.Context, input string, cred credentials.Credential) (string, error)
}

// Poller waits for a media task. *tasks.Poller implements it.
type Poller interface {
	Poll(ctx context.Context, cred credentials.Credential, taskID string, kind tasks.Kind, opts tasks.Options) (tasks.Result, error)
}

// CredentialSource hands out the credential a request is pinned to.
type CredentialSource interface {
	Acquire() (credentials.Credential, error)
}

type Options struct {
	Render stream.RenderMode

	// TaskOptions overrides the poll budget per kind.
	TaskOptions map[tasks.Kind]tasks.Options

	Now   func() time.Time
	NewID func() string

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Service is safe for concurrent use.
type Service struct {
	exec   Executor
	models Resolver
	saver  Saver
	poller Poller
	creds  CredentialSource
	opts   Options
	log    *slog.Logger
}

func New(exec Executor, resolver Resolver, saver Saver, poller Poller, creds CredentialSource, opts Options) *Service {
	if opts.Render == "" {
		opts.Render = stream.RenderTable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		exec:   exec,
		models: resolver,
		saver:  saver,
		poller: poller,
		creds:  creds,
		opts:   opts,
		log:    log,
	}
}

// Request is the part of an inbound chat request the gateway acts on.
type Request struct {
	Model       string
	Messages    gjson.Result
	Stream      bool
	Temperature *float64
	RequestID   string
}

// ParseRequest validates an OpenAI chat-completion body.
func ParseRequest(body []byte) (Request, error) {
	if !gjson.ValidBytes(body) {
		return Request{}, fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}
	root := gjson.ParseBytes(body)
	req := Request{
		Model:    strings.TrimSpace(root.Get("model").String()),
		Messages: root.Get("messages"),
		Stream:   root.Get("stream").Bool(),
	}
	if req.Model == "" {
		return Request{}, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if !req.Messages.IsArray() || len(req.Messages.Array()) == 0 {
		return Request{}, fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}
	if t := root.Get("temperature"); t.Exists() && t.Type == gjson.Number {
		v := t.Float()
		if v < 0 || v > 2 {
			return Request{}, fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidRequest)
		}
		req.Temperature = &v
	}
	return req, nil
}

// Response carries exactly one of Stream and Completion.
type Response struct {
	Stream     *stream.Sequence
	Completion *ChatCompletion

	// Credential is the identifier that served the call.
	Credential string
	Attempts   int
}

// Complete serves one chat completion. Media models run their task to the
// end and always answer without streaming.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	cfg := s.models.Resolve(ctx, req.Model)

	cred, err := s.creds.Acquire()
	if err != nil {
		return nil, err
	}

	msgs, err := s.rewriteMessages(ctx, req.Messages, cfg, cred)
	if err != nil {
		return nil, err
	}
	streaming := req.Stream && !cfg.IsTask()
	body, err := s.buildBody(cfg, msgs, streaming, req.Temperature, cfg.Size)
	if err != nil {
		return nil, err
	}

	id := "chatcmpl-" + s.opts.NewID()
	call := orchestrator.Call{
		Body:         body,
		Credential:   &cred,
		RequestID:    req.RequestID,
		CompletionID: id,
		Model:        req.Model,
		Render:       s.opts.Render,
		Thinking:     &cfg.Thinking,
	}

	if streaming {
		res, err := s.exec.Execute(ctx, call, orchestrator.ModeStream)
		if err != nil {
			return nil, err
		}
		return &Response{Stream: res.Stream, Credential: res.Credential.Identifier, Attempts: res.Attempts}, nil
	}

	res, err := s.exec.Execute(ctx, call, orchestrator.ModeSingle)
	if err != nil {
		return nil, err
	}

	if cfg.IsTask() {
		tr, err := s.runTask(ctx, cfg, res, req.RequestID)
		if err != nil {
			return nil, err
		}
		return &Response{
			Completion: s.completion(id, req.Model, mediaMarkdown(cfg.Task, tr.URL), "", 0),
			Credential: res.Credential.Identifier,
			Attempts:   res.Attempts,
		}, nil
	}

	content, reasoning, err := s.textAnswer(res.Body, cfg.Thinking)
	if err != nil {
		return nil, err
	}
	return &Response{
		Completion: s.completion(id, req.Model, content, reasoning, utf8.RuneCount(msgs)),
		Credential: res.Credential.Identifier,
		Attempts:   res.Attempts,
	}, nil
}

// runTask reads the task id from a media answer and polls it to the end.
func (s *Service) runTask(ctx context.Context, cfg models.Config, res *orchestrator.Result, requestID string) (tasks.Result, error) {
	taskID := extractTaskID(res.Body)
	if taskID == "" {
		s.log.WarnContext(ctx, "task_id_missing",
			slog.String("request_id", requestID),
			slog.String("kind", string(cfg.Task)),
		)
		return tasks.Result{}, fmt.Errorf("%w: backend answer carries no task id", tasks.ErrTaskFailed)
	}

	s.log.InfoContext(ctx, "task_started",
		slog.String("request_id", requestID),
		slog.String("task_id", taskID),
		slog.String("kind", string(cfg.Task)),
	)
	return s.poller.Poll(ctx, res.Credential, taskID, cfg.Task, s.opts.TaskOptions[cfg.Task])
}
