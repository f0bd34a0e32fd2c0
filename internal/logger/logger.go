// Package logger records one entry per served request without blocking the
// request path. Entries queue on a bounded channel and a single goroutine
// flushes them to a Sink every second or every 100 entries, whichever comes
// first. A full queue drops the entry and counts it.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	sinkTimeout   = 5 * time.Second
)

// RequestLog is one served API request.
type RequestLog struct {
	RequestID  string
	Route      string
	Model      string
	Credential string
	Stream     bool
	Attempts   uint8
	Status     uint16
	LatencyMs  uint32
	Error      string
	CreatedAt  time.Time
}

// Sink receives flushed batches. Implementations are called from one
// goroutine only.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

// Logger queues request logs and hands them to a Sink in batches.
type Logger struct {
	queue   chan RequestLog
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	dropped atomic.Int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Registry
}

// New starts the flush goroutine. A nil sink writes entries through slogger.
func New(ctx context.Context, sink Sink, slogger *slog.Logger, m *metrics.Registry) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		queue:   make(chan RequestLog, channelBuffer),
		stop:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
		metrics: m,
	}
	l.wg.Add(1)
	go l.loop()
	return l, nil
}

// Log enqueues entry, dropping it when the queue is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.queue <- entry:
		return
	default:
	}
	l.dropped.Add(1)
	if l.metrics != nil {
		l.metrics.IncLogDropped()
	}
}

// DroppedLogs reports how many entries were discarded since start.
func (l *Logger) DroppedLogs() int64 { return l.dropped.Load() }

// Close flushes pending entries and closes the sink.
func (l *Logger) Close() error {
	l.stopped.Do(func() { close(l.stop) })
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) loop() {
	defer l.wg.Done()

	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	batch := make([]RequestLog, 0, batchSize)
	add := func(e RequestLog) {
		batch = append(batch, e)
		if len(batch) == batchSize {
			batch = l.flush(batch)
		}
	}

	for {
		select {
		case e := <-l.queue:
			add(e)
		case <-tick.C:
			batch = l.flush(batch)
		case <-l.stop:
			for {
				select {
				case e := <-l.queue:
					add(e)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes batch to the sink and returns it emptied for reuse. The
// write outlives cancellation of the base context so shutdown still drains.
func (l *Logger) flush(batch []RequestLog) []RequestLog {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), sinkTimeout)
	defer cancel()
	if err := l.sink.Write(ctx, batch); err != nil {
		l.log.Warn("request_log_flush_failed",
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	return batch[:0]
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// SlogSink writes each entry as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		attrs := []slog.Attr{
			slog.String("request_id", e.RequestID),
			slog.String("route", e.Route),
			slog.String("model", e.Model),
			slog.String("credential", e.Credential),
			slog.Bool("stream", e.Stream),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		}
		if e.Error != "" {
			attrs = append(attrs, slog.String("error", e.Error))
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
