// Package cache implements the content-addressed upload dedup cache.
//
// Entries map the hex SHA-256 of an uploaded object to the remote URL it was
// stored under. Entries are append-only and never evicted; every insert is
// persisted to a Store.
//
// The cache has an explicit lifecycle: unloaded → loading → ready. Until the
// persisted entries are loaded, every lookup is a miss. Persistence failures
// never fail an upload; they surface as ErrCacheUnavailable for logging.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// ErrCacheUnavailable is returned when the backing store cannot be read or
// written. Callers treat it as non-fatal.
var ErrCacheUnavailable = errors.New("cache: unavailable")

// State is the lifecycle phase of a Dedup cache.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unloaded"
	}
}

// Store persists dedup entries.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, hash, url string) error
}

// Options holds optional dependencies for a Dedup cache.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Dedup is the hash → URL cache guarding the upload path.
type Dedup struct {
	state atomic.Int32

	mu      sync.RWMutex
	entries map[string]string
	// pending holds inserts made before the cache became ready.
	pending map[string]string

	store    Store
	loadOnce sync.Once
	loaded   chan struct{}

	log     *slog.Logger
	metrics *metrics.Registry
}

// NewDedup returns an unloaded cache over store. A nil store keeps entries in
// memory only.
func NewDedup(store Store, opts Options) *Dedup {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dedup{
		entries: make(map[string]string),
		pending: make(map[string]string),
		store:   store,
		loaded:  make(chan struct{}),
		log:     log,
		metrics: opts.Metrics,
	}
}

// Hash returns the hex SHA-256 digest used as the cache key for data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// State returns the current lifecycle phase.
func (d *Dedup) State() State {
	return State(d.state.Load())
}

// Load reads the persisted entries and moves the cache to ready. Only the
// first call does any work. A store failure still ends in ready, with an
// empty cache, and is returned wrapped in ErrCacheUnavailable.
func (d *Dedup) Load(ctx context.Context) error {
	var loadErr error
	d.loadOnce.Do(func() {
		d.state.Store(int32(StateLoading))

		var stored map[string]string
		if d.store != nil {
			m, err := d.store.Load(ctx)
			if err != nil {
				loadErr = fmt.Errorf("%w: load: %w", ErrCacheUnavailable, err)
				d.log.WarnContext(ctx, "upload_cache_load_failed", slog.String("error", err.Error()))
			} else {
				stored = m
			}
		}

		d.mu.Lock()
		for h, u := range stored {
			d.entries[h] = u
		}
		flush := make(map[string]string, len(d.pending))
		for h, u := range d.pending {
			if _, ok := d.entries[h]; !ok {
				d.entries[h] = u
				flush[h] = u
			}
		}
		d.pending = nil
		n := len(d.entries)
		d.state.Store(int32(StateReady))
		d.mu.Unlock()
		close(d.loaded)

		for h, u := range flush {
			d.persist(ctx, h, u)
		}

		d.log.InfoContext(ctx, "upload cache ready", slog.Int("entries", n))
	})
	return loadErr
}

// LoadAsync starts Load in the background. Lookups miss until it completes.
func (d *Dedup) LoadAsync(ctx context.Context) {
	go func() { _ = d.Load(ctx) }()
}

// Wait blocks until the cache is ready or ctx is done.
func (d *Dedup) Wait(ctx context.Context) error {
	select {
	case <-d.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the URL recorded for hash. It always misses until the cache
// is ready.
func (d *Dedup) Lookup(hash string) (string, bool) {
	if d.State() != StateReady {
		d.record("lookup", "not_ready")
		return "", false
	}
	d.mu.RLock()
	url, ok := d.entries[hash]
	d.mu.RUnlock()
	if ok {
		d.record("lookup", "hit")
	} else {
		d.record("lookup", "miss")
	}
	return url, ok
}

// Record stores hash → url. Existing entries are never overwritten. Inserts
// made before the cache is ready are kept and persisted once loading ends.
func (d *Dedup) Record(ctx context.Context, hash, url string) error {
	d.mu.Lock()
	if d.State() != StateReady {
		d.pending[hash] = url
		d.mu.Unlock()
		d.record("insert", "deferred")
		return nil
	}
	if _, ok := d.entries[hash]; ok {
		d.mu.Unlock()
		return nil
	}
	d.entries[hash] = url
	d.mu.Unlock()

	return d.persist(ctx, hash, url)
}

// Len returns the number of ready entries.
func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Dedup) persist(ctx context.Context, hash, url string) error {
	if d.store == nil {
		d.record("insert", "ok")
		return nil
	}
	if err := d.store.Put(ctx, hash, url); err != nil {
		d.record("insert", "error")
		d.log.WarnContext(ctx, "upload_cache_persist_failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: put %s: %w", ErrCacheUnavailable, hash, err)
	}
	d.record("insert", "ok")
	return nil
}

func (d *Dedup) record(op, result string) {
	if d.metrics != nil {
		d.metrics.RecordDedup(op, result)
	}
}
