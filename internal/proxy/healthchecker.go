package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// Probe checks one dependency. Critical probes gate readiness.
type Probe struct {
	Name     string
	Check    func(ctx context.Context) error
	Critical bool
}

type probeResult struct {
	healthy bool
	err     string
}

// HealthChecker probes dependencies on an interval and serves the last
// results to /health and /readiness.
type HealthChecker struct {
	probes   []Probe
	interval time.Duration
	started  time.Time
	baseCtx  context.Context
	metrics  *metrics.Registry

	mu      sync.RWMutex
	results map[string]probeResult

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewHealthChecker runs every probe once before returning, then keeps
// probing in the background. A zero interval means 30s.
func NewHealthChecker(ctx context.Context, probes []Probe, interval time.Duration, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = healthProbeInterval
	}
	hc := &HealthChecker{
		probes:   probes,
		interval: interval,
		started:  time.Now(),
		baseCtx:  ctx,
		metrics:  met,
		results:  make(map[string]probeResult, len(probes)),
		stop:     make(chan struct{}),
	}
	hc.checkAll()

	hc.wg.Add(1)
	go hc.loop()
	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// Snapshot reports "ok" only when every probe passed its last check.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(hc.started).Seconds()),
		Components:    make(map[string]string, len(hc.probes)),
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()
	for _, p := range hc.probes {
		r, seen := hc.results[p.Name]
		switch {
		case !seen:
			snap.Components[p.Name] = "unknown"
			snap.Status = "degraded"
		case r.healthy:
			snap.Components[p.Name] = "ok"
		default:
			snap.Components[p.Name] = "degraded"
			snap.Status = "degraded"
			if snap.Errors == nil {
				snap.Errors = make(map[string]string)
			}
			snap.Errors[p.Name] = r.err
		}
	}
	return snap
}

// ReadinessOK reports whether every critical probe passed last time.
func (hc *HealthChecker) ReadinessOK() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	for _, p := range hc.probes {
		if p.Critical && !hc.results[p.Name].healthy {
			return false
		}
	}
	return true
}

// Close stops the background loop. It is safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.stopped.Do(func() { close(hc.stop) })
	hc.wg.Wait()
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()
	tick := time.NewTicker(hc.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			hc.checkAll()
		case <-hc.stop:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

// checkAll runs the probes concurrently under one shared timeout.
func (hc *HealthChecker) checkAll() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hc.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r probeResult
			if p.Check == nil {
				r.healthy = true
			} else if err := p.Check(ctx); err != nil {
				r.err = err.Error()
			} else {
				r.healthy = true
			}
			hc.mu.Lock()
			hc.results[p.Name] = r
			hc.mu.Unlock()
			if hc.metrics != nil {
				hc.metrics.SetComponentHealth(p.Name, r.healthy)
			}
		}()
	}
	wg.Wait()
}
