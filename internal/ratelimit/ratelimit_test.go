package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestAllowSpendsWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	now := time.Date(2026, 3, 1, 10, 0, 15, 0, time.UTC)
	l := New(rdb, "cloud", 3, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx)
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, retryIn, err := l.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("fourth call allowed")
	}
	if retryIn != 45*time.Second {
		t.Errorf("retry in %s, want 45s", retryIn)
	}

	key := "ratelimit:cloud:" + "1772359200"
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("ttl of %s: %s", key, ttl)
	}

	now = now.Add(time.Minute)
	if ok, _, _ := l.Allow(ctx); !ok {
		t.Error("next window still limited")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := New(rdb, "dns", 1, time.Hour)
	ctx := context.Background()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("second Wait: %v, want deadline exceeded", err)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}
