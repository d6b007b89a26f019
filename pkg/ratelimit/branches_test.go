package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisLimiter(t *testing.T, window time.Duration) *RedisLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, window)
}

func TestNewInMemoryDefaultWindow(t *testing.T) {
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", lim.window)
	}
}

func TestRedisLimiterFailsOpenWithoutFallback(t *testing.T) {
	t.Run("nil_client", func(t *testing.T) {
		lim := &RedisLimiter{Window: 2 * time.Second, Prefix: "moneyrite:rl:"}
		decision := lim.Allow("calc:alice", 0)
		if !decision.Allowed || decision.Limit != 1 || decision.Count != 0 || decision.Remaining != 1 {
			t.Fatalf("expected permissive decision with nil client, got %+v", decision)
		}
	})

	t.Run("unreachable_redis", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:         "127.0.0.1:1",
			DialTimeout:  5 * time.Millisecond,
			ReadTimeout:  5 * time.Millisecond,
			WriteTimeout: 5 * time.Millisecond,
			MaxRetries:   0,
		})
		defer client.Close()
		lim := &RedisLimiter{Client: client, Window: 2 * time.Second, Prefix: "moneyrite:rl:"}
		decision := lim.Allow("calc:bob", 2)
		if !decision.Allowed || decision.Count != 0 || decision.Limit != 2 {
			t.Fatalf("expected permissive decision on redis error, got %+v", decision)
		}
	})
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	lim := newMiniredisLimiter(t, 100*time.Millisecond)
	lim.Fallback = nil

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return "bad-value"`)
	defer func() { rateLimitScript = originalScript }()

	decision := lim.Allow("calc:carol", 5)
	if !decision.Allowed || decision.Count != 0 || decision.Limit != 5 {
		t.Fatalf("expected permissive decision for invalid script result, got %+v", decision)
	}
}

func TestRedisLimiterShortScriptResultUsesFallback(t *testing.T) {
	lim := newMiniredisLimiter(t, time.Second)
	lim.Fallback = NewInMemory(time.Second)

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return {1}`)
	defer func() { rateLimitScript = originalScript }()

	first := lim.Allow("rates:update", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected in-memory fallback to admit first request, got %+v", first)
	}
	if second := lim.Allow("rates:update", 1); second.Allowed {
		t.Fatalf("expected fallback limiter to enforce the limit, got %+v", second)
	}
}

func TestRedisLimiterWrongKeyTypeUsesFallback(t *testing.T) {
	lim := newMiniredisLimiter(t, 500*time.Millisecond)

	// A plain string under the sorted-set key makes the script fail.
	key := lim.Prefix + "calc:dave"
	if err := lim.Client.Set(context.Background(), key, "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}

	decision := lim.Allow("calc:dave", 10)
	if !decision.Allowed || decision.Count != 1 {
		t.Fatalf("expected fallback decision, got %+v", decision)
	}
	if decision.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in future, got %v", decision.ResetAt)
	}
}
