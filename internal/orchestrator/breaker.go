package orchestrator

import (
	"sync"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerWindow    = 60 * time.Second
	DefaultBreakerHalfOpen  = 30 * time.Second
)

// breakerState is the operational state of one breaker.
//
//	stateClosed: normal operation; all calls pass through.
//	stateOpen: backend is failing; calls are rejected immediately.
//	stateHalfOpen: recovery probe; one call is let through.
type breakerState int

const (
	stateClosed   breakerState = 0
	stateOpen     breakerState = 1
	stateHalfOpen breakerState = 2
)

// BreakerConfig holds circuit breaker tuning. Zero values fall back to the
// package defaults.
type BreakerConfig struct {
	// Threshold is the number of failures within Window that trips the
	// breaker.
	Threshold int

	// Window is the rolling window for counting failures.
	Window time.Duration

	// HalfOpen is how long the breaker stays open before one probe call is
	// allowed.
	HalfOpen time.Duration
}

func (c *BreakerConfig) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultBreakerThreshold
}

func (c *BreakerConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return DefaultBreakerWindow
}

func (c *BreakerConfig) halfOpen() time.Duration {
	if c.HalfOpen > 0 {
		return c.HalfOpen
	}
	return DefaultBreakerHalfOpen
}

type opBreaker struct {
	mu sync.Mutex

	state         breakerState
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Breaker keeps one circuit per backend operation name; chat completions
// use "chat".
// Only transport failures and 5xx answers count; 401 and 429 come from a
// live backend and close the circuit like any other answer.
type Breaker struct {
	mu       sync.Mutex
	breakers map[string]*opBreaker
	cfg      BreakerConfig
	now      func() time.Time
	metrics  *metrics.Registry
}

func NewBreaker(cfg BreakerConfig, m *metrics.Registry) *Breaker {
	return &Breaker{
		breakers: make(map[string]*opBreaker),
		cfg:      cfg,
		now:      time.Now,
		metrics:  m,
	}
}

// Allow reports whether op may be called now.
//
//   - Closed   → always true.
//   - Open     → false until the half-open timeout elapses, then one probe.
//   - HalfOpen → true only if no probe is in flight.
func (b *Breaker) Allow(op string) bool {
	if b == nil {
		return true
	}
	ob := b.get(op)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	switch ob.state {
	case stateOpen:
		if b.now().Sub(ob.openedAt) >= b.cfg.halfOpen() {
			ob.state = stateHalfOpen
			ob.probeInflight = true
			b.report(op, stateHalfOpen)
			return true
		}
		b.reject(op, "open")
		return false

	case stateHalfOpen:
		if ob.probeInflight {
			b.reject(op, "half_open")
			return false
		}
		ob.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit for op.
func (b *Breaker) RecordSuccess(op string) {
	if b == nil {
		return
	}
	ob := b.get(op)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.state != stateClosed {
		b.report(op, stateClosed)
	}
	ob.state = stateClosed
	ob.failures = 0
	ob.probeInflight = false
	ob.windowStart = b.now()
}

// RecordFailure counts one failure and opens the circuit at the threshold.
// A failed half-open probe reopens it immediately.
func (b *Breaker) RecordFailure(op string) {
	if b == nil {
		return
	}
	ob := b.get(op)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	now := b.now()
	if now.Sub(ob.windowStart) > b.cfg.window() {
		ob.failures = 0
		ob.windowStart = now
	}
	ob.failures++
	wasProbe := ob.state == stateHalfOpen
	ob.probeInflight = false

	if wasProbe || ob.failures >= b.cfg.threshold() {
		if ob.state != stateOpen {
			b.report(op, stateOpen)
		}
		ob.state = stateOpen
		ob.openedAt = now
	}
}

// Release ends a half-open probe without a verdict, e.g. when the caller
// went away.
func (b *Breaker) Release(op string) {
	if b == nil {
		return
	}
	ob := b.get(op)
	ob.mu.Lock()
	ob.probeInflight = false
	ob.mu.Unlock()
}

// StateLabel returns "closed", "open" or "half_open".
func (b *Breaker) StateLabel(op string) string {
	if b == nil {
		return "closed"
	}
	ob := b.get(op)
	ob.mu.Lock()
	st := ob.state
	ob.mu.Unlock()

	switch st {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) get(op string) *opBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	ob, ok := b.breakers[op]
	if !ok {
		ob = &opBreaker{windowStart: b.now()}
		b.breakers[op] = ob
	}
	return ob
}

func (b *Breaker) report(op string, st breakerState) {
	if b.metrics != nil {
		b.metrics.SetCircuitBreaker(op, int64(st))
	}
}

func (b *Breaker) reject(op, state string) {
	if b.metrics != nil {
		b.metrics.RecordCircuitBreakerRejection(op, state)
	}
}
