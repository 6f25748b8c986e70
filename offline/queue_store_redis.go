package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisQueuePrefix = "offsync:queue:"

// RedisQueueStore persists pending mutations in Redis, for deployments where
// the engine runs on a shared device (e.g. a school lab server) and queued
// writes must survive process restarts.
//
// Layout:
//   - <prefix>items: hash of bucket key to mutation JSON.
//   - <prefix>order: list of bucket keys in first-enqueue order.
//
// Writes go through Lua scripts so hash and list never disagree and the
// stored-id checks on Delete and Replace are atomic.
type RedisQueueStore struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisQueueStore creates a Redis-backed queue store. Prefix namespaces
// the keys so multiple environments can share one Redis; empty selects the
// default namespace.
func NewRedisQueueStore(client redis.UniversalClient, prefix string) (*RedisQueueStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisQueuePrefix
	}
	return &RedisQueueStore{Client: client, Prefix: prefix}, nil
}

func (s *RedisQueueStore) itemsKey() string { return s.Prefix + "items" }
func (s *RedisQueueStore) orderKey() string { return s.Prefix + "order" }

func (s *RedisQueueStore) Put(ctx context.Context, bucketKey string, m Mutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	}

	if err := queuePutScript.Run(ctx, s.Client,
		[]string{s.itemsKey(), s.orderKey()},
		bucketKey, string(raw),
	).Err(); err != nil {
		return fmt.Errorf("redis queue put %s: %w", bucketKey, err)
	}
	return nil
}

func (s *RedisQueueStore) Delete(ctx context.Context, bucketKey, id string) error {
	if err := queueDeleteScript.Run(ctx, s.Client,
		[]string{s.itemsKey(), s.orderKey()},
		bucketKey, id,
	).Err(); err != nil {
		return fmt.Errorf("redis queue delete %s: %w", bucketKey, err)
	}
	return nil
}

func (s *RedisQueueStore) Replace(ctx context.Context, bucketKey, id string, m Mutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	}

	if err := queueReplaceScript.Run(ctx, s.Client,
		[]string{s.itemsKey()},
		bucketKey, id, string(raw),
	).Err(); err != nil {
		return fmt.Errorf("redis queue replace %s: %w", bucketKey, err)
	}
	return nil
}

func (s *RedisQueueStore) List(ctx context.Context) ([]Mutation, error) {
	keys, err := s.Client.LRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue order: %w", err)
	}
	if len(keys) == 0 {
		return []Mutation{}, nil
	}

	raws, err := s.Client.HMGet(ctx, s.itemsKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue items: %w", err)
	}

	out := make([]Mutation, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // order entry without an item; skip
		}
		var m Mutation
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("decode queued mutation %s: %w", keys[i], err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisQueueStore) Len(ctx context.Context) (int, error) {
	n, err := s.Client.HLen(ctx, s.itemsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue len: %w", err)
	}
	return int(n), nil
}

func (s *RedisQueueStore) Clear(ctx context.Context) error {
	if err := s.Client.Del(ctx, s.itemsKey(), s.orderKey()).Err(); err != nil {
		return fmt.Errorf("redis queue clear: %w", err)
	}
	return nil
}

var queuePutScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var queueDeleteScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
if cjson.decode(raw)['id'] ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 1, ARGV[1])
return 1
`)

var queueReplaceScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
if cjson.decode(raw)['id'] ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)
