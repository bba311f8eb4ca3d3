package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

var redisIncrExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// redisWindowAppendScript runs the prune-count-append of a timestamp log as
// one atomic unit so concurrent instances never admit past the ceiling.
// Returns {appended, count, oldest}.
var redisWindowAppendScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
local cutoff = tonumber(ARGV[1])
local ts = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local kept = {}
if raw then
  for part in string.gmatch(raw, "([^,]+)") do
    local entry = tonumber(part)
    if entry and entry >= cutoff then
      kept[#kept + 1] = entry
    end
  end
end
local oldest = ts
if #kept > 0 then
  oldest = kept[1]
end
if #kept >= max then
  return {0, #kept, oldest}
end
kept[#kept + 1] = ts
redis.call("SET", KEYS[1], table.concat(kept, ","))
if ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return {1, #kept, oldest}
`)

// redisDecrClampScript decrements a counter without going below zero,
// deleting the key at zero.
var redisDecrClampScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]))
if not current or current <= 1 then
  redis.call("DEL", KEYS[1])
  return 0
end
return redis.call("DECR", KEYS[1])
`)

// RedisBackend is a Backend for multi-instance deployments, backed by a
// remote key-value store with server-side TTLs.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend constructs a RedisBackend.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Name identifies the backend for health reporting.
func (b *RedisBackend) Name() string { return "redis" }

// Ping verifies connectivity to the remote store.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return errors.New("storage redis: not initialized")
	}
	ctxPing, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return b.client.Ping(ctxPing).Err()
}

// Close releases the underlying client connection.
func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBackend) buildKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + ":" + key
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// IncrementWithExpiry increments the integer at key in a single round trip.
func (b *RedisBackend) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if b == nil || b.client == nil {
		return 0, errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	res, errEval := redisIncrExpireScript.Run(ctxOp, b.client, []string{b.buildKey(key)}, ttlSeconds(ttl)).Result()
	if errEval != nil {
		return 0, errEval
	}
	count, ok := res.(int64)
	if !ok {
		return 0, errors.New("storage redis: unexpected response type")
	}
	return count, nil
}

// Get returns the value at key and whether it exists.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if b == nil || b.client == nil {
		return "", false, errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	value, errGet := b.client.Get(ctxOp, b.buildKey(key)).Result()
	if errors.Is(errGet, redis.Nil) {
		return "", false, nil
	}
	if errGet != nil {
		return "", false, errGet
	}
	return value, true, nil
}

// Set stores value at key. A zero TTL means no expiry.
func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if b == nil || b.client == nil {
		return errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if ttl <= 0 {
		return b.client.Set(ctxOp, b.buildKey(key), value, 0).Err()
	}
	return b.client.Set(ctxOp, b.buildKey(key), value, ttl).Err()
}

// AppendToWindow runs the scripted prune-count-append in a single round trip.
func (b *RedisBackend) AppendToWindow(ctx context.Context, key string, cutoff, ts int64, max int, ttl time.Duration) (WindowResult, error) {
	if b == nil || b.client == nil {
		return WindowResult{}, errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	res, errEval := redisWindowAppendScript.Run(ctxOp, b.client, []string{b.buildKey(key)}, cutoff, ts, max, ttlSeconds(ttl)).Result()
	if errEval != nil {
		return WindowResult{}, errEval
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return WindowResult{}, errors.New("storage redis: unexpected response type")
	}
	appended, okAppended := values[0].(int64)
	count, okCount := values[1].(int64)
	oldest, okOldest := values[2].(int64)
	if !okAppended || !okCount || !okOldest {
		return WindowResult{}, errors.New("storage redis: unexpected response type")
	}
	return WindowResult{Appended: appended == 1, Count: int(count), Oldest: oldest}, nil
}

// DecrementClamped decrements the counter at key, never below zero, in a
// single round trip.
func (b *RedisBackend) DecrementClamped(ctx context.Context, key string) (int64, error) {
	if b == nil || b.client == nil {
		return 0, errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	res, errEval := redisDecrClampScript.Run(ctxOp, b.client, []string{b.buildKey(key)}).Result()
	if errEval != nil {
		return 0, errEval
	}
	count, ok := res.(int64)
	if !ok {
		return 0, errors.New("storage redis: unexpected response type")
	}
	return count, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if b == nil || b.client == nil {
		return errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return b.client.Del(ctxOp, b.buildKey(key)).Err()
}

// Pipeline executes ops as a single batched round trip.
func (b *RedisBackend) Pipeline(ctx context.Context, ops []Op) ([]Result, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("storage redis: not initialized")
	}
	ctxOp, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	cmds := make([]redis.Cmder, len(ops))
	_, errPipe := b.client.Pipelined(ctxOp, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			switch op.Kind {
			case OpGet:
				cmds[i] = pipe.Get(ctxOp, b.buildKey(op.Key))
			case OpIncrement:
				cmds[i] = pipe.Incr(ctxOp, b.buildKey(op.Key))
				if op.TTL > 0 {
					pipe.Expire(ctxOp, b.buildKey(op.Key), op.TTL)
				}
			case OpSet:
				cmds[i] = pipe.Set(ctxOp, b.buildKey(op.Key), op.Value, op.TTL)
			case OpDelete:
				cmds[i] = pipe.Del(ctxOp, b.buildKey(op.Key))
			}
		}
		return nil
	})
	if errPipe != nil && !errors.Is(errPipe, redis.Nil) {
		return nil, errPipe
	}

	results := make([]Result, len(ops))
	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		switch c := cmd.(type) {
		case *redis.StringCmd:
			value, errCmd := c.Result()
			if errors.Is(errCmd, redis.Nil) {
				results[i] = Result{}
			} else if errCmd != nil {
				results[i] = Result{Err: errCmd}
			} else {
				results[i] = Result{Value: value, Found: true}
			}
		case *redis.IntCmd:
			count, errCmd := c.Result()
			if errCmd != nil {
				results[i] = Result{Err: errCmd}
			} else {
				results[i] = Result{Count: count, Found: true}
			}
		case *redis.StatusCmd:
			if errCmd := c.Err(); errCmd != nil {
				results[i] = Result{Err: errCmd}
			} else {
				results[i] = Result{Found: true}
			}
		}
	}
	return results, nil
}
