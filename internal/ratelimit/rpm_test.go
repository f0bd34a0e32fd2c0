package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// TestRPMLimiter_SlidingWindow verifies that the budget is per key and that
// requests leave the window one minute after they were admitted.
func TestRPMLimiter_SlidingWindow(t *testing.T) {
	_, rdb := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	l := NewRPMLimiter(rdb, 3, nil, nil)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	allow := func(key string) bool {
		t.Helper()
		ok, err := l.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow(%s): %v", key, err)
		}
		return ok
	}

	for i := range 3 {
		if !allow("a") {
			t.Fatalf("request %d rejected under the limit", i)
		}
		now = now.Add(10 * time.Second)
	}
	if allow("a") {
		t.Fatal("fourth request inside the window must be rejected")
	}
	if !allow("b") {
		t.Fatal("another key has its own budget")
	}

	// The first request was admitted at t0; at t0+61s it has left the window.
	now = time.Unix(1_700_000_061, 0)
	if !allow("a") {
		t.Fatal("request after the oldest entry expired must be admitted")
	}
	if allow("a") {
		t.Fatal("window holds three requests again")
	}
}

// TestRPMLimiter_SameInstantDistinctMembers verifies that concurrent
// requests sharing a timestamp each count against the budget.
func TestRPMLimiter_SameInstantDistinctMembers(t *testing.T) {
	mr, rdb := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	l := NewRPMLimiter(rdb, 2, nil, nil)
	l.now = func() time.Time { return now }

	for range 2 {
		if ok, _ := l.Allow(context.Background(), "k"); !ok {
			t.Fatal("under-limit request rejected")
		}
	}
	if ok, _ := l.Allow(context.Background(), "k"); ok {
		t.Fatal("third request at the same instant admitted")
	}

	members, err := mr.ZMembers(keyPrefix + "k")
	if err != nil || len(members) != 2 {
		t.Fatalf("members = %v, err = %v", members, err)
	}
	if ttl := mr.TTL(keyPrefix + "k"); ttl <= 0 || ttl > window {
		t.Fatalf("ttl = %v", ttl)
	}
}

// TestRPMLimiter_FailsOpen verifies that an unreachable Redis admits the
// request instead of failing it.
func TestRPMLimiter_FailsOpen(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	l := NewRPMLimiter(rdb, 1, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for range 3 {
		ok, err := l.Allow(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("allowed=%v err=%v, want fail-open", ok, err)
		}
	}
}
