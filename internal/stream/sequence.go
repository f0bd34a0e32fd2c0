package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// Chunk is one chat.completion.chunk object.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// Event is one unit of client output. Done marks the terminal sentinel.
type Event struct {
	Data []byte
	Done bool
}

type Options struct {
	// ID is the completion id; empty generates one.
	ID     string
	Model  string
	Render RenderMode

	// Thinking overrides ThinkingEnabled(Model) when non-nil.
	Thinking *bool

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Sequence is a finite, non-restartable, lazily produced series of events
// read from one backend body. Next and WriteTo must not be called
// concurrently; Close may be called from any goroutine.
type Sequence struct {
	body io.ReadCloser
	rd   *Reader
	tr   *Translator

	id      string
	model   string
	created int64
	roleOut bool

	queue    []Event
	finished bool

	closeOnce sync.Once
	log       *slog.Logger
	metrics   *metrics.Registry
}

// NewSequence takes ownership of body.
func NewSequence(body io.ReadCloser, opts Options) *Sequence {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ID == "" {
		opts.ID = "chatcmpl-" + uuid.NewString()
	}
	if opts.Render == "" {
		opts.Render = RenderTable
	}
	thinking := ThinkingEnabled(opts.Model)
	if opts.Thinking != nil {
		thinking = *opts.Thinking
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sequence{
		body:    body,
		rd:      NewReader(body),
		tr:      NewTranslator(thinking, opts.Render),
		id:      opts.ID,
		model:   opts.Model,
		created: opts.Now().Unix(),
		log:     log,
		metrics: opts.Metrics,
	}
}

// Next returns the next event. ok is false once the terminal sentinel has
// been returned.
func (s *Sequence) Next() (Event, bool) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, true
		}
		if s.finished {
			return Event{}, false
		}

		f, err := s.rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish("eof")
			} else {
				s.fail(err)
			}
			continue
		}

		switch f.Kind {
		case KindDone:
			s.finish("done")
			continue
		case KindError:
			s.fail(fmt.Errorf("backend: %s", f.Content))
			continue
		case KindSearch:
			s.frame("search")
		default:
			s.frame("content")
		}

		if content, ok := s.tr.Translate(f); ok {
			return s.content(content), true
		}
	}
}

// WriteTo renders the remaining events in SSE wire format. When w can be
// flushed it is flushed after every event.
func (s *Sequence) WriteTo(w io.Writer) (int64, error) {
	defer s.Close()

	fl, _ := w.(interface{ Flush() error })
	var total int64
	for {
		ev, ok := s.Next()
		if !ok {
			return total, nil
		}
		n, err := writeEvent(w, ev)
		total += n
		if err == nil && fl != nil {
			err = fl.Flush()
		}
		if err != nil {
			s.log.Debug("stream_client_gone", slog.String("id", s.id), slog.String("error", err.Error()))
			s.end("client_gone")
			return total, err
		}
	}
}

// Close releases the backend body. It is safe to call more than once.
func (s *Sequence) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

func writeEvent(w io.Writer, ev Event) (int64, error) {
	buf := make([]byte, 0, len(ev.Data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, ev.Data...)
	buf = append(buf, "\n\n"...)
	n, err := w.Write(buf)
	return int64(n), err
}

func (s *Sequence) finish(outcome string) {
	if content, ok := s.tr.Finish(); ok {
		s.queue = append(s.queue, s.content(content))
	}
	stop := "stop"
	s.queue = append(s.queue, s.chunk(Delta{Content: ""}, &stop), doneEvent())
	s.end(outcome)
}

func (s *Sequence) fail(err error) {
	s.log.Warn("stream_interrupted", slog.String("id", s.id), slog.String("error", err.Error()))
	s.queue = append(s.queue, s.chunk(Delta{Content: "\n\n[stream interrupted: " + err.Error() + "]"}, nil), doneEvent())
	s.end("error")
}

func (s *Sequence) end(outcome string) {
	if s.finished {
		return
	}
	s.finished = true
	_ = s.Close()
	if s.metrics != nil {
		s.metrics.RecordStreamEnd(outcome)
		for i := 0; i < s.rd.Malformed(); i++ {
			s.metrics.RecordStreamFrame("malformed")
		}
	}
	if n := s.rd.Malformed(); n > 0 {
		s.log.Warn("stream_malformed_frames", slog.String("id", s.id), slog.Int("count", n))
	}
}

func (s *Sequence) content(c string) Event {
	d := Delta{Content: c}
	if !s.roleOut {
		d.Role = "assistant"
		s.roleOut = true
	}
	return s.chunk(d, nil)
}

func (s *Sequence) chunk(d Delta, finish *string) Event {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(Chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
	})
	return Event{Data: bytes.TrimRight(buf.Bytes(), "\n")}
}

func doneEvent() Event {
	return Event{Data: []byte("[DONE]"), Done: true}
}

func (s *Sequence) frame(kind string) {
	if s.metrics != nil {
		s.metrics.RecordStreamFrame(kind)
	}
}
