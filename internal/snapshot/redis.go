package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatstream/internal/projection"
)

// KeyPrefix is the Redis key prefix for snapshot values.
const KeyPrefix = "snapshot:"

// RedisStore keeps each snapshot as one JSON string, replaced with a single
// SET so readers never see a partial write. Like PostgresStore it never
// moves a snapshot backwards.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("snapshot: redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load returns the named snapshot, or nil if there is none.
func (s *RedisStore) Load(ctx context.Context, name string) (*projection.State, error) {
	data, err := s.client.Get(ctx, KeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get %s: %w", name, err)
	}
	st, err := projection.DecodeState(data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// saveRetries bounds optimistic retries when another writer touches the key
// between WATCH and EXEC.
const saveRetries = 5

// Save replaces the named snapshot unless the stored one is further along
// the log. The check and the write run under WATCH so a concurrent newer
// save is never overwritten.
func (s *RedisStore) Save(ctx context.Context, name string, st projection.State) error {
	data, err := st.Encode()
	if err != nil {
		return err
	}
	key := KeyPrefix + name

	replace := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored, err := projection.DecodeState(cur)
			if err == nil && stored.Position > st.Position {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < saveRetries; i++ {
		err = s.client.Watch(ctx, replace, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("snapshot: redis set %s: %w", name, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
