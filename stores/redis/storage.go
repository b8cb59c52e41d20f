// Package redis provides a Redis-backed LocalStorage. All entries for one
// device live in a single hash so that Keys is one HKEYS round trip.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	pa "github.com/panyam/pocketauth"
)

var _ pa.LocalStorage = (*RedisStorage)(nil)

// DefaultHashKey is the hash used when no device key is given
const DefaultHashKey = "pocketauth:storage"

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStorage implements pocketauth.LocalStorage on a Redis hash
type RedisStorage struct {
	client  *redis.Client
	hashKey string
}

// NewRedisStorage creates a store over the hash at hashKey.
// Separate devices or users should use separate hash keys.
func NewRedisStorage(client *redis.Client, hashKey string) *RedisStorage {
	if hashKey == "" {
		hashKey = DefaultHashKey
	}
	return &RedisStorage{client: client, hashKey: hashKey}
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys %s: %w", s.hashKey, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.hashKey, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.hashKey, key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// Clear drops the whole hash
func (s *RedisStorage) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.hashKey).Err()
}
