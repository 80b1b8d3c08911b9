package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contentgrid/billing-service-api/internal/quota"
)

// CounterStore adapts a redis client to the atomic counter interface the
// quota engine consumes.
type CounterStore struct {
	client *redis.Client
}

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client}
}

var _ quota.CounterStore = (*CounterStore)(nil)

// setIfGreaterScript raises the counter to at least the target value and
// returns the resulting count, atomically under concurrent increments.
var setIfGreaterScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local target = tonumber(ARGV[1])
if target > current then
	redis.call('SET', KEYS[1], target)
	return target
end
return current
`)

func (s *CounterStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *CounterStore) SetIfGreater(ctx context.Context, key string, value int64) (int64, error) {
	return setIfGreaterScript.Run(ctx, s.client, []string{key}, value).Int64()
}

func (s *CounterStore) Get(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return val, true, nil
}

func (s *CounterStore) Touch(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *CounterStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *CounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// StateStore adapts a redis client to the TTL key/value interface behind the
// authorization state cache.
type StateStore struct {
	client *redis.Client
}

func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

var _ quota.StateStore = (*StateStore)(nil)

func (s *StateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (s *StateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *StateStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
