package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestSessionLimitDec(t *testing.T) {
	t.Parallel()

	l := NewLimiter(newTestRedis(t), 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.SessionLimitDec(ctx, 42)
		if err != nil {
			t.Fatalf("SessionLimitDec() error = %v", err)
		}
		if !ok {
			t.Fatalf("SessionLimitDec() = false on attempt %d, want true", i+1)
		}
	}

	ok, err := l.SessionLimitDec(ctx, 42)
	if err != nil {
		t.Fatalf("SessionLimitDec() error = %v", err)
	}
	if ok {
		t.Error("SessionLimitDec() = true after quota exhausted, want false")
	}
}

func TestSessionLimitDecPerUser(t *testing.T) {
	t.Parallel()

	l := NewLimiter(newTestRedis(t), 1, time.Hour)
	ctx := context.Background()

	if ok, err := l.SessionLimitDec(ctx, 1); err != nil || !ok {
		t.Fatalf("SessionLimitDec(user 1) = %v, %v, want true", ok, err)
	}
	if ok, err := l.SessionLimitDec(ctx, 2); err != nil || !ok {
		t.Errorf("SessionLimitDec(user 2) = %v, %v, want true; quotas must not be shared", ok, err)
	}
}

func TestSessionLimitWindowResets(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := NewLimiter(rdb, 1, time.Minute)
	ctx := context.Background()

	if ok, _ := l.SessionLimitDec(ctx, 7); !ok {
		t.Fatal("first SessionLimitDec() = false, want true")
	}
	if ok, _ := l.SessionLimitDec(ctx, 7); ok {
		t.Fatal("second SessionLimitDec() = true, want false")
	}

	mr.FastForward(2 * time.Minute)

	if ok, err := l.SessionLimitDec(ctx, 7); err != nil || !ok {
		t.Errorf("SessionLimitDec() after window = %v, %v, want true", ok, err)
	}
}
