package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/better-wallet/spendguard/pkg/types"
)

// reserveScript checks every window against its ceiling and, when all have
// room, increments them in the same step.
// KEYS = window keys; ARGV = ceilings (0 = unbounded) followed by the
// matching expiry unix timestamps. Returns {admitted, usage...} where usage
// is the count before the reservation.
var reserveScript = redis.NewScript(`
local n = #KEYS
local out = {1}
for i = 1, n do
  local cur = tonumber(redis.call("GET", KEYS[i]) or "0")
  out[i + 1] = cur
  local ceiling = tonumber(ARGV[i])
  if ceiling > 0 and cur >= ceiling then
    out[1] = 0
  end
end
if out[1] == 1 then
  for i = 1, n do
    redis.call("INCR", KEYS[i])
    redis.call("EXPIREAT", KEYS[i], tonumber(ARGV[n + i]))
  end
end
return out
`)

// releaseScript gives back one slot per window without going below zero.
var releaseScript = redis.NewScript(`
for _, k in ipairs(KEYS) do
  local cur = tonumber(redis.call("GET", k) or "0")
  if cur > 1 then
    redis.call("DECR", k)
  elseif cur == 1 then
    redis.call("DEL", k)
  end
end
return #KEYS
`)

// RedisCounter shares window counters between instances through Redis.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter wraps an existing client. Keys are namespaced by prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "spendguard"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Usage(ctx context.Context, policyID string, now time.Time) (types.RateUsage, error) {
	keys := make([]string, len(Windows))
	for i, w := range Windows {
		keys[i] = key(c.prefix, policyID, w, w.Start(now))
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return types.RateUsage{}, fmt.Errorf("redis rate usage: %w", err)
	}

	var u types.RateUsage
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return types.RateUsage{}, fmt.Errorf("redis rate usage: unexpected value %T", v)
		}
		var n int64
		if _, err := fmt.Sscan(s, &n); err != nil {
			return types.RateUsage{}, fmt.Errorf("redis rate usage: %w", err)
		}
		setUsage(&u, Windows[i], n)
	}
	return u, nil
}

func (c *RedisCounter) Reserve(ctx context.Context, policyID string, now time.Time, limits Limits) (types.RateUsage, bool, error) {
	ceilings := []int64{limits.Minute, limits.Hour, limits.Day}
	keys := make([]string, len(Windows))
	args := make([]any, 2*len(Windows))
	for i, w := range Windows {
		start := w.Start(now)
		keys[i] = key(c.prefix, policyID, w, start)
		args[i] = ceilings[i]
		// keys outlive their window by a minute
		args[len(Windows)+i] = start.Add(w.Length() + time.Minute).Unix()
	}

	vals, err := reserveScript.Run(ctx, c.client, keys, args...).Int64Slice()
	if err != nil {
		return types.RateUsage{}, false, fmt.Errorf("redis rate reserve: %w", err)
	}
	if len(vals) != len(Windows)+1 {
		return types.RateUsage{}, false, fmt.Errorf("redis rate reserve: unexpected reply length %d", len(vals))
	}

	var u types.RateUsage
	for i, w := range Windows {
		setUsage(&u, w, vals[i+1])
	}
	return u, vals[0] == 1, nil
}

func (c *RedisCounter) Release(ctx context.Context, policyID string, now time.Time) error {
	keys := make([]string, len(Windows))
	for i, w := range Windows {
		keys[i] = key(c.prefix, policyID, w, w.Start(now))
	}
	if err := releaseScript.Run(ctx, c.client, keys).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis rate release: %w", err)
	}
	return nil
}
