package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes every throttle key.
const RedisKeyPrefix = "wiki:throttle:"

// reserveScript implements Reserve atomically. Keys expire on their own
// once their expiry has passed, which replaces explicit pruning.
// Expiries travel as strings since Redis truncates Lua numbers to integers.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local delay = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or now)
local expiry = math.max(now, current) + delay
local ttl = math.ceil((expiry - now) * 1000) + 1000
redis.call('SET', KEYS[1], string.format('%.6f', expiry), 'PX', ttl)
return string.format('%.6f', expiry)
`)

var seizeScript = redis.NewScript(`
local target = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local ttl = math.max(math.ceil((target - now) * 1000), 0) + 1000
for _, key in ipairs(KEYS) do
  local current = tonumber(redis.call('GET', key) or 0)
  if current < target then
    redis.call('SET', key, string.format('%.6f', target), 'PX', ttl)
  end
end
return 1
`)

// RedisStore keeps throttle records in Redis so that processes on
// different hosts share pacing.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a store on an existing client. The client is not
// closed by Close.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, now: time.Now}
}

func redisKey(site string, kind Kind) string {
	return RedisKeyPrefix + site + ":" + kind.String()
}

func (s *RedisStore) Reserve(ctx context.Context, site string, kind Kind, clock func() time.Time, delay time.Duration) (time.Time, error) {
	res, err := reserveScript.Run(ctx, s.redis,
		[]string{redisKey(site, kind)},
		formatSeconds(unixSeconds(clock())), formatSeconds(delay.Seconds()),
	).Text()
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve throttle slot in redis: %w", err)
	}

	expiry, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse throttle expiry %q: %w", res, err)
	}
	return fromUnixSeconds(expiry), nil
}

func (s *RedisStore) Seize(ctx context.Context, site string, until time.Time) error {
	err := seizeScript.Run(ctx, s.redis,
		[]string{redisKey(site, Read), redisKey(site, Write)},
		formatSeconds(unixSeconds(until)), formatSeconds(unixSeconds(s.now())),
	).Err()
	if err != nil {
		return fmt.Errorf("seize throttle in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return nil }

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 6, 64)
}
