// Package ratelimit limits inbound requests per client key, either across
// replicas with a Redis sliding window or in process with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// windowScript keeps one sorted-set member per admitted request scored by
// its timestamp. It drops members older than the window and admits the
// request when fewer than limit remain.
//
//	KEYS[1] window key
//	ARGV    now (ms), window (ms), limit, member
//	returns {admitted 0|1, requests in window}
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

const (
	keyPrefix = "qwen-gateway:ratelimit:rpm:"
	window    = time.Minute
)

// Limiter decides whether one more request from key fits its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RPMLimiter enforces requests per minute per key with a Redis sliding
// window shared by every gateway replica.
type RPMLimiter struct {
	rdb     *redis.Client
	limit   int
	now     func() time.Time
	seq     atomic.Uint64
	node    string
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewRPMLimiter allows rpm requests per rolling minute per key.
func NewRPMLimiter(rdb *redis.Client, rpm int, log *slog.Logger, m *metrics.Registry) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{
		rdb:     rdb,
		limit:   rpm,
		now:     time.Now,
		node:    strconv.FormatInt(time.Now().UnixNano(), 36),
		log:     log,
		metrics: m,
	}
}

// Allow admits or rejects one request. Redis failures fail open: the
// request is admitted, the error is logged and counted as "degraded".
func (r *RPMLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s-%d", now, r.node, r.seq.Add(1))

	res, err := windowScript.Run(ctx, r.rdb, []string{keyPrefix + key},
		now, window.Milliseconds(), r.limit, member).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply %v", res)
		}
		r.log.WarnContext(ctx, "ratelimit_degraded", slog.String("error", err.Error()))
		r.record("degraded")
		return true, nil
	}

	if res[0] != 1 {
		r.record("limited")
		r.log.DebugContext(ctx, "ratelimit_rejected", slog.String("key", key), slog.Int64("in_window", res[1]))
		return false, nil
	}
	r.record("allowed")
	return true, nil
}

func (r *RPMLimiter) record(result string) {
	if r.metrics != nil {
		r.metrics.RecordRateLimit(result)
	}
}
