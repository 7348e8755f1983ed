package queue

import (
	"context"
	"errors"
	"time"

	r "github.com/redis/go-redis/v9"
)

const wakeKey = "crawlq:wake"

// RedisQ is a wake-up channel between producers and idle workers. Enqueue
// and requeue push one token per job; an idle worker blocks on the token
// instead of sleeping its full poll interval. Postgres remains the single
// source of truth: a spurious or lost token costs at most one poll interval
// of latency, never a job.
//
// A nil *RedisQ is valid and degrades every call to a no-op, so the worker
// pool runs without Redis at all.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

// Wake signals that n jobs became claimable. Best effort.
func (q *RedisQ) Wake(ctx context.Context, n int) {
	if q == nil || n <= 0 {
		return
	}
	pipe := q.rdb.Pipeline()
	for i := 0; i < n; i++ {
		pipe.LPush(ctx, wakeKey, "1")
	}
	_, _ = pipe.Exec(ctx)
}

// Wait blocks up to block for a wake token. Returns true if one arrived;
// false on timeout or Redis error (the caller just polls as usual). A nil
// receiver, or an unreachable Redis, degrades to a plain sleep so callers
// never spin.
func (q *RedisQ) Wait(ctx context.Context, block time.Duration) bool {
	if q == nil {
		sleep(ctx, block)
		return false
	}
	res, err := q.rdb.BRPop(ctx, block, wakeKey).Result()
	if err == nil && len(res) == 2 {
		return true
	}
	if err != nil && !errors.Is(err, r.Nil) && ctx.Err() == nil {
		sleep(ctx, block)
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
