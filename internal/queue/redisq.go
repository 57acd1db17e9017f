package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisQ carries wake-ups from enqueuers to engine loops. Postgres stays the
// source of truth; a lost signal only costs one poll interval.
type RedisQ struct {
	rdb    *r.Client
	prefix string
	now    func() time.Time
}

func New(rdb *r.Client, prefix string) *RedisQ {
	return &RedisQ{rdb: rdb, prefix: prefix, now: time.Now}
}

func (q *RedisQ) wakeKey() string  { return q.prefix + ":wake" }
func (q *RedisQ) delayKey() string { return q.prefix + ":delay" }

// Signal wakes one waiting engine. At most one signal is buffered.
func (q *RedisQ) Signal(ctx context.Context) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.wakeKey(), "1")
	pipe.LTrim(ctx, q.wakeKey(), 0, 0)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "signal")
}

// SignalAt arranges a wake-up for when a delayed job becomes due.
func (q *RedisQ) SignalAt(ctx context.Context, jobID string, at time.Time) error {
	err := q.rdb.ZAdd(ctx, q.delayKey(), r.Z{Score: float64(at.Unix()), Member: jobID}).Err()
	return errors.Wrap(err, "schedule signal")
}

// MoveDue turns due delayed wake-ups into a signal and reports how many were due.
func (q *RedisQ) MoveDue(ctx context.Context, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayKey(), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(q.now().Unix(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, errors.Wrap(err, "read due signals")
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.delayKey(), members...)
	pipe.LPush(ctx, q.wakeKey(), "1")
	pipe.LTrim(ctx, q.wakeKey(), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "promote due signals")
	}
	return len(ids), nil
}

// Wait blocks until a signal arrives or timeout passes. It reports whether it
// was woken.
func (q *RedisQ) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if _, err := q.MoveDue(ctx, 200); err != nil {
		return false, err
	}
	res, err := q.rdb.BRPop(ctx, timeout, q.wakeKey()).Result()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "wait for signal")
	}
	return len(res) == 2, nil
}
