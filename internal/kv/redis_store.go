package kv

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as Redis hashes. Conditional writes run as Lua
// scripts so the existence/field checks and the write are a single atomic step.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
}

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

var putIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
for i = 1, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var conditionalUpdateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// NewRedisStore constructs a Redis-backed Store. All keys are namespaced with
// keyPrefix so multiple stores can share one database.
func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// PutIfAbsent writes the record unless the key already exists.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, fields map[string]string) (bool, error) {
	created, err := putIfAbsentScript.Run(ctx, s.client, []string{s.keyPrefix + key}, flatten(fields)...).Int()
	if err != nil {
		return false, err
	}
	return created == 1, nil
}

// Get returns the record stored under key, if any.
func (s *RedisStore) Get(ctx context.Context, key string) (map[string]string, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// ConditionalUpdate applies changes only while field still equals expected.
func (s *RedisStore) ConditionalUpdate(ctx context.Context, key string, changes map[string]string, field, expected string) (bool, error) {
	args := append([]any{field, expected}, flatten(changes)...)
	applied, err := conditionalUpdateScript.Run(ctx, s.client, []string{s.keyPrefix + key}, args...).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

// ScanAll walks the keyspace under keyPrefix+prefix and loads each record.
func (s *RedisStore) ScanAll(ctx context.Context, prefix string) (map[string]map[string]string, error) {
	records := make(map[string]map[string]string)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, fullKey := range keys {
			fields, err := s.client.HGetAll(ctx, fullKey).Result()
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				continue
			}
			records[fullKey[len(s.keyPrefix):]] = fields
		}
		if next == 0 {
			return records, nil
		}
		cursor = next
	}
}

// flatten turns a field map into alternating name/value script arguments in a
// stable order.
func flatten(fields map[string]string) []any {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, 2*len(fields))
	for _, name := range names {
		args = append(args, name, fields[name])
	}
	return args
}
