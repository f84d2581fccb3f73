package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// ListenersKeyFormat names the set of live session ids for a chat.
	ListenersKeyFormat = "chat:%s:listeners"

	// SessionTTL is the time-to-live for presence keys in Redis. Touch
	// refreshes it; keys of sessions lost in a crash simply expire.
	SessionTTL = 1 * time.Hour
)

// Presence is a live session as recorded in Redis.
type Presence struct {
	ID         string `redis:"id"`
	ChatID     string `redis:"chat_id"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// PresenceStore records which sessions are listening to which chat.
type PresenceStore struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewPresenceStore creates a new presence store connected to Redis.
func NewPresenceStore(redisAddr string, serverName string) (*PresenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &PresenceStore{client: client, serverName: serverName}, nil
}

// NewPresenceStoreFromClient wraps an existing client.
func NewPresenceStoreFromClient(client *redis.Client, serverName string) *PresenceStore {
	return &PresenceStore{client: client, serverName: serverName}
}

func listenersKey(chatID string) string {
	return fmt.Sprintf(ListenersKeyFormat, chatID)
}

// Register records a new session listening to chatID.
func (s *PresenceStore) Register(ctx context.Context, sessionID, chatID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          sessionID,
		"chat_id":     chatID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, listenersKey(chatID), sessionID)
	pipe.Expire(ctx, listenersKey(chatID), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: register %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session's presence. Returns nil if not found.
func (s *PresenceStore) Get(ctx context.Context, sessionID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// Touch marks the session active and refreshes its TTLs.
func (s *PresenceStore) Touch(ctx context.Context, sessionID, chatID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, listenersKey(chatID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Unregister removes the session and its chat membership.
func (s *PresenceStore) Unregister(ctx context.Context, sessionID, chatID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, listenersKey(chatID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: unregister %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *PresenceStore) Close() error {
	return s.client.Close()
}
