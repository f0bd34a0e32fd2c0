package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// blockingStore lets a test hold the cache in the loading state.
type blockingStore struct {
	release chan struct{}
	initial map[string]string

	mu   sync.Mutex
	puts map[string]string
}

func (s *blockingStore) Load(ctx context.Context) (map[string]string, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.initial, nil
}

func (s *blockingStore) Put(_ context.Context, hash, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[string]string{}
	}
	s.puts[hash] = url
	return nil
}

type failingStore struct{}

func (failingStore) Load(context.Context) (map[string]string, error) {
	return nil, errors.New("disk gone")
}
func (failingStore) Put(context.Context, string, string) error { return errors.New("disk gone") }

// TestLifecycle verifies unloaded → loading → ready and that lookups miss
// until the cache is ready.
func TestLifecycle(t *testing.T) {
	store := &blockingStore{
		release: make(chan struct{}),
		initial: map[string]string{"h1": "https://cdn/1"},
	}
	d := NewDedup(store, Options{})

	if d.State() != StateUnloaded {
		t.Fatalf("initial state = %s, want unloaded", d.State())
	}

	d.LoadAsync(context.Background())

	// The load is blocked, so the entry is not visible yet.
	if _, ok := d.Lookup("h1"); ok {
		t.Fatal("lookup hit before ready")
	}

	close(store.release)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.State() != StateReady {
		t.Fatalf("state = %s, want ready", d.State())
	}
	url, ok := d.Lookup("h1")
	if !ok || url != "https://cdn/1" {
		t.Fatalf("Lookup = %q, %v", url, ok)
	}
}

// TestRecordBeforeReadyIsKept verifies that inserts made while unloaded are
// merged and persisted once loading finishes.
func TestRecordBeforeReadyIsKept(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), initial: map[string]string{}}
	d := NewDedup(store, Options{})

	if err := d.Record(context.Background(), "early", "https://cdn/early"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, ok := d.Lookup("early"); ok {
		t.Fatal("lookup hit before ready")
	}

	close(store.release)
	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if url, ok := d.Lookup("early"); !ok || url != "https://cdn/early" {
		t.Fatalf("Lookup = %q, %v", url, ok)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.puts["early"] != "https://cdn/early" {
		t.Fatalf("pending insert not persisted: %v", store.puts)
	}
}

// TestRecordNeverOverwrites verifies append-only semantics.
func TestRecordNeverOverwrites(t *testing.T) {
	d := NewDedup(nil, Options{})
	if err := d.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = d.Record(context.Background(), "h", "first")
	_ = d.Record(context.Background(), "h", "second")

	if url, _ := d.Lookup("h"); url != "first" {
		t.Fatalf("Lookup = %q, want first", url)
	}
	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
}

// TestStoreFailureIsNonFatal verifies that store errors leave the cache
// usable and are reported as ErrCacheUnavailable.
func TestStoreFailureIsNonFatal(t *testing.T) {
	d := NewDedup(failingStore{}, Options{})

	err := d.Load(context.Background())
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("Load err = %v, want ErrCacheUnavailable", err)
	}
	if d.State() != StateReady {
		t.Fatalf("state = %s, want ready", d.State())
	}

	err = d.Record(context.Background(), "h", "u")
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("Record err = %v, want ErrCacheUnavailable", err)
	}
	if url, ok := d.Lookup("h"); !ok || url != "u" {
		t.Fatal("entry should stay in memory after a persist failure")
	}
}

func TestHash(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash([]byte("abc")); got != want {
		t.Fatalf("Hash = %s, want %s", got, want)
	}
}

// TestFileStorePersistsAcrossInstances verifies entries survive a restart.
func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "upload.json")

	d := NewDedup(NewFileStore(path), Options{})
	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := d.Record(context.Background(), "h1", "https://cdn/1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := d.Record(context.Background(), "h2", "https://cdn/2"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	d2 := NewDedup(NewFileStore(path), Options{})
	if err := d2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d2.Len() != 2 {
		t.Fatalf("reloaded %d entries, want 2", d2.Len())
	}
	if url, _ := d2.Lookup("h2"); url != "https://cdn/2" {
		t.Fatalf("Lookup h2 = %q", url)
	}
}

// TestRedisStore verifies the Redis hash store against miniredis.
func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisStore(rdb, "")
	if err := s.Put(context.Background(), "h", "first"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(context.Background(), "h", "second"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := mr.HGet(defaultHashKey, "h"); got != "first" {
		t.Fatalf("stored url = %q, want first", got)
	}

	m, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 1 || m["h"] != "first" {
		t.Fatalf("Load = %v", m)
	}
}
