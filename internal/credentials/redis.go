package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding username -> password entries.
const DefaultRedisKey = "smtptest:users"

// RedisStore reads passwords from a Redis hash so several test processes
// can share one set of accounts.
type RedisStore struct {
	client *redis.Client
	key    string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// NewRedisStore connects to Redis. The connection is lazy; use Ping to
// check reachability.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(client, cfg.Key)
}

// NewRedisStoreFromClient wraps an existing client. An empty key selects
// DefaultRedisKey.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// PasswordForUser implements Store.
func (s *RedisStore) PasswordForUser(ctx context.Context, username string) ([]byte, error) {
	p, err := s.client.HGet(ctx, s.key, username).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("redis lookup of %q: %w", username, err)
	}
	return p, nil
}

// SetPassword stores or replaces a user's password.
func (s *RedisStore) SetPassword(ctx context.Context, username, password string) error {
	return s.client.HSet(ctx, s.key, username, password).Err()
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
