package authzcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dislovelhl/acgs2/pkg/pdp"
)

// RedisStore backs a Cache with a shared Redis instance, so the
// Authorization Cache survives process restarts and is consistent across
// a fleet of bus instances — the TTL-keyed cache backend named in
// spec.md's domain stack.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. prefix namespaces keys so several
// deployments (or the authz cache and policy-version cache) can share one
// Redis instance without colliding.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "acgs2:authz:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) (*pdp.Decision, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("authzcache: redis get: %w", err)
	}
	var d pdp.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false, fmt.Errorf("authzcache: redis decode: %w", err)
	}
	return &d, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, d *pdp.Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("authzcache: redis encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("authzcache: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("authzcache: redis del: %w", err)
	}
	return nil
}

// DeletePrefix scans and removes every key sharing prefix, used for
// role-level (or whole-cache, when prefix is "") invalidation.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := s.key(prefix) + "*"
	iter := s.client.Scan(ctx, 0, pattern, 1000).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("authzcache: redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("authzcache: redis bulk del: %w", err)
	}
	return nil
}
