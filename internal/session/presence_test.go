package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestPresenceStore connects to a local Redis instance. Tests that call
// this helper require a running Redis on localhost:6379.
func newTestPresenceStore(t *testing.T) *PresenceStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, SessionPrefix+"test_s1", SessionPrefix+"test_s2", listenersKey("test_chat"))
		client.Close()
	})
	return NewPresenceStoreFromClient(client, "ws-test")
}

func TestPresence_RegisterAndCount(t *testing.T) {
	store := newTestPresenceStore(t)
	ctx := context.Background()

	if err := store.Register(ctx, "test_s1", "test_chat"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := store.Register(ctx, "test_s2", "test_chat"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	n, err := store.client.SCard(ctx, listenersKey("test_chat")).Result()
	if err != nil {
		t.Fatalf("SCard() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 listeners, got %d", n)
	}

	p, err := store.Get(ctx, "test_s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p == nil || p.ChatID != "test_chat" || p.Server != "ws-test" {
		t.Fatalf("unexpected presence: %+v", p)
	}
}

func TestPresence_Unregister(t *testing.T) {
	store := newTestPresenceStore(t)
	ctx := context.Background()

	_ = store.Register(ctx, "test_s1", "test_chat")
	if err := store.Touch(ctx, "test_s1", "test_chat"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if err := store.Unregister(ctx, "test_s1", "test_chat"); err != nil {
		t.Fatalf("Unregister() error: %v", err)
	}

	p, err := store.Get(ctx, "test_s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected presence to be gone, got %+v", p)
	}
	if n, _ := store.client.SCard(ctx, listenersKey("test_chat")).Result(); n != 0 {
		t.Fatalf("expected 0 listeners, got %d", n)
	}
}
