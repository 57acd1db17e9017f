// Package ratelimit shares a fixed-window request budget between every
// process talking to the same provider.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    redis.Cmdable
	name   string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// New allows limit calls per window under name. A nil *Limiter allows
// everything.
func New(rdb redis.Cmdable, name string, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, name: name, limit: int64(limit), window: window, now: time.Now}
}

// Allow takes one slot from the current window. When the window is spent it
// returns false and the time until the next window opens.
func (l *Limiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	if l == nil || l.limit <= 0 {
		return true, 0, nil
	}
	now := l.now()
	start := now.Truncate(l.window)
	key := "ratelimit:" + l.name + ":" + strconv.FormatInt(start.Unix(), 10)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "rate limit counter")
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, errors.Wrap(err, "rate limit expiry")
		}
	}
	if count > l.limit {
		return false, start.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// Wait blocks until a slot is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, retryIn, err := l.Allow(ctx)
		if err != nil || ok {
			return err
		}
		t := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
