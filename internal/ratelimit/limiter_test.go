package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tests require a local Redis and skip otherwise, matching the integration
// test convention used across the stores.

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), client
}

func TestAllow_WithinWindow(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := fmt.Sprintf("addr-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, rule.Key+id) })

	for i := 0; i < rule.Limit; i++ {
		allowed, err := l.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("Allow() attempt %d error: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	allowed, err := l.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("Allow() over limit error: %v", err)
	}
	if allowed {
		t.Error("attempt over the limit should be rejected")
	}
}

func TestRemaining(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}
	id := fmt.Sprintf("addr-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, rule.Key+id) })

	left, err := l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if left != rule.Limit {
		t.Errorf("fresh identifier should have the full limit, got %d", left)
	}

	if _, err := l.Allow(ctx, id, rule); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if _, err := l.Allow(ctx, id, rule); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}

	left, err = l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if left != rule.Limit-2 {
		t.Errorf("expected %d remaining, got %d", rule.Limit-2, left)
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}
	id := fmt.Sprintf("addr-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, rule.Key+id) })

	if allowed, _ := l.Allow(ctx, id, rule); !allowed {
		t.Fatal("first attempt should be allowed")
	}
	if allowed, _ := l.Allow(ctx, id, rule); allowed {
		t.Fatal("second attempt should be rejected")
	}

	time.Sleep(rule.Window + 200*time.Millisecond)

	if allowed, _ := l.Allow(ctx, id, rule); !allowed {
		t.Error("attempt after window expiry should be allowed")
	}
}
