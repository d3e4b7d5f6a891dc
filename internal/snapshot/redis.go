package snapshot

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "fanq:snapshot:"

// RedisStore keeps the snapshot blob in Redis, keyed by broker endpoint.
// Useful when brokers run on hosts without durable local disks.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(addr, password string, db int, endpoint string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, key: redisKeyPrefix + endpoint}, nil
}

// Save replaces the stored state. A single SET is atomic on the server side.
func (s *RedisStore) Save(state []byte) error {
	if err := s.client.Set(context.Background(), s.key, state, 0).Err(); err != nil {
		return fmt.Errorf("snapshot set: %w", err)
	}
	return nil
}

// Load fetches the stored state, or ok=false when the key is absent.
func (s *RedisStore) Load() ([]byte, bool, error) {
	state, err := s.client.Get(context.Background(), s.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot get: %w", err)
	}
	return state, true, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
