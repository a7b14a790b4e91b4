package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Values are "held|<owner>" for a TryLock critical section and
// "rsv|<owner>" for a Reserve.

// acquire sets the key when it is free or already ours, refreshing the TTL.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
local mine = "held|" .. ARGV[1]
if (not cur) or cur == mine then
	redis.call("SET", KEYS[1], mine, "PX", ARGV[2])
	return 1
end
return 0
`)

// reserve replaces a free key, another reservation or our own critical
// section. A critical section held by someone else is left alone.
var reserveScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if (not cur) or string.sub(cur, 1, 4) == "rsv|" or cur == "held|" .. ARGV[1] then
	redis.call("SET", KEYS[1], "rsv|" .. ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == "held|" .. ARGV[1] or cur == "rsv|" .. ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares asset locks between rebalancer instances. Redis errors
// fail closed: the asset is reported locked and acquisition fails.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	poll   time.Duration
	log    zerolog.Logger
}

func NewRedisLocker(addr, password string, db int, ttl time.Duration, prefix string, log zerolog.Logger) (*RedisLocker, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	if prefix == "" {
		prefix = "rebalancer:lock"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLocker{client: client, ttl: ttl, prefix: prefix, poll: defaultPollInterval, log: log}, nil
}

func (l *RedisLocker) key(asset string) string {
	return fmt.Sprintf("%s:%s", l.prefix, asset)
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) TryLock(ctx context.Context, asset, owner string) bool {
	n, err := acquireScript.Run(ctx, l.client, []string{l.key(asset)}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		l.log.Error().Err(err).Str("asset", asset).Str("owner", owner).Msg("lock acquire failed")
		return false
	}
	return n == 1
}

func (l *RedisLocker) Reserve(ctx context.Context, asset, owner string) error {
	return waitFor(ctx, asset, l.poll, func() (bool, error) {
		n, err := reserveScript.Run(ctx, l.client, []string{l.key(asset)}, owner, l.ttl.Milliseconds()).Int()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("reserve lock %s: %w", asset, err)
		}
		return n == 1, nil
	})
}

func (l *RedisLocker) Release(ctx context.Context, asset, owner string) {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(asset)}, owner).Err(); err != nil && err != redis.Nil {
		l.log.Error().Err(err).Str("asset", asset).Str("owner", owner).Msg("lock release failed")
	}
}

func (l *RedisLocker) Unlock(ctx context.Context, asset string) error {
	if err := l.client.Del(ctx, l.key(asset)).Err(); err != nil {
		return fmt.Errorf("unlock %s: %w", asset, err)
	}
	return nil
}

func (l *RedisLocker) IsLocked(ctx context.Context, asset string) bool {
	n, err := l.client.Exists(ctx, l.key(asset)).Result()
	if err != nil {
		l.log.Error().Err(err).Str("asset", asset).Msg("lock lookup failed")
		return true
	}
	return n > 0
}

func (l *RedisLocker) Held(ctx context.Context) int {
	n := 0
	iter := l.client.Scan(ctx, 0, l.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		l.log.Warn().Err(err).Msg("lock scan failed")
	}
	return n
}

// Sweep is a no-op: Redis expires keys itself.
func (l *RedisLocker) Sweep(time.Time) int {
	return 0
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
