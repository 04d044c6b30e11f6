// Package redis provides the Redis-backed lock store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"concurrency-guard/internal/domain"
)

// KeyPrefix namespaces lock keys in Redis.
const KeyPrefix = "guard:lock:"

// compareAndDelete deletes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// LockStore implements domain.LockStore with SET NX PX and a Lua
// compare-and-delete, so both acquire and release are single atomic commands.
type LockStore struct {
	client redis.UniversalClient
}

var _ domain.LockStore = (*LockStore)(nil)

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*LockStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &LockStore{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient) *LockStore {
	return &LockStore{client: client}
}

func (s *LockStore) Close() error {
	return s.client.Close()
}

func (s *LockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, KeyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis set nx %s: %w", key, err)
	}
	return ok, nil
}

func (s *LockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{KeyPrefix + key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare and delete %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *LockStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *LockStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, KeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}
