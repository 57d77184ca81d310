package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterScript increments the window counter and arms the expiry on first
// touch so the key cannot leak without a TTL.
var counterScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Redis shares one counter window across engine replicas. Any Redis failure
// degrades to the in-memory fallback rather than rejecting traffic.
type Redis struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *Memory
}

func NewRedis(client *redis.Client, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		Client:   client,
		Window:   window,
		Prefix:   "warden:rl:",
		Fallback: NewMemory(window),
	}
}

func (l *Redis) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := counterScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.degrade(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degrade(key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

func (l *Redis) degrade(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
