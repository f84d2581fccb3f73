package command

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

// newTestLimiter connects to a local Redis instance on localhost:6379 and
// skips the test when none is running.
func newTestLimiter(t *testing.T) (*RedisLimiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, zaptest.NewLogger(t)), client
}

func TestRedisLimiter_Allow(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	client.Del(ctx, rule.Key+"u1")
	t.Cleanup(func() { client.Del(ctx, rule.Key+"u1") })

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected third request to be limited")
	}

	ttl := client.TTL(ctx, rule.Key+"u1").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window TTL, got %v", ttl)
	}
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	l := NewRedisLimiter(client, zaptest.NewLogger(t))
	defer l.Close()

	ok, err := l.Allow(context.Background(), "u1", RuleMessage)
	if err == nil {
		t.Fatal("expected an error from unreachable redis")
	}
	if !ok {
		t.Fatal("expected request to be allowed when redis is down")
	}
}
