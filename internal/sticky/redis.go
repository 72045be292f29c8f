package sticky

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "codexlb:sticky:"

// RedisStore is the durable sticky backend: entries survive process
// restarts and are shared across multiple codex-lb instances, using
// redis's native key TTL instead of an application-level sweep.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, keyPrefix+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisStore) Put(ctx context.Context, fingerprint, accountID string, ttl time.Duration) error {
	return r.rdb.Set(ctx, keyPrefix+fingerprint, accountID, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	return r.rdb.Del(ctx, keyPrefix+fingerprint).Err()
}
