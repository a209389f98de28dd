package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store persists cache entries.
type Store interface {
	// Get returns the entry stored under key, ErrCacheMiss when there is
	// none, or an error wrapping ErrInvalidEntry when it cannot be decoded.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores e under e.Key, replacing any previous entry.
	Put(ctx context.Context, e *Entry) error

	// Delete removes the entry under key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// Lookup returns the live entry for key. Absent, unreadable, mismatched
// and expired entries are all reported as ErrCacheMiss; store failures
// are counted and folded into the miss as well.
func Lookup(ctx context.Context, s Store, key, description string, now time.Time) (*Entry, error) {
	backend := backendName(s)

	e, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrCacheMiss):
		CacheMisses.WithLabelValues("absent").Inc()
		return nil, ErrCacheMiss
	case errors.Is(err, ErrInvalidEntry):
		CacheMisses.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	case err != nil:
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	if err := e.Validate(key, description); err != nil {
		CacheMisses.WithLabelValues("mismatch").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	if e.IsExpired(now) {
		CacheMisses.WithLabelValues("expired").Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backend).Inc()
	return e, nil
}

func backendName(s Store) string {
	switch s.(type) {
	case *FileStore:
		return "file"
	case *RedisStore:
		return "redis"
	default:
		return "other"
	}
}

// RedisKeyPrefix prefixes every cache key in Redis.
const RedisKeyPrefix = "wiki:cache:"

// RedisStore handles caching operations with Redis backend.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a new cache store with Redis backend.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		now:   time.Now,
	}
}

// Get retrieves a cache entry by key.
func (m *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := m.redis.Get(ctx, RedisKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Put stores a cache entry with a TTL equal to its remaining lifetime.
// The entry will be automatically removed from Redis when it expires.
func (m *RedisStore) Put(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := e.TTL(m.now())
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, RedisKeyPrefix+e.Key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a cache entry.
func (m *RedisStore) Delete(ctx context.Context, key string) error {
	if err := m.redis.Del(ctx, RedisKeyPrefix+key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every cache entry and returns how many were deleted.
func (m *RedisStore) Clear(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, RedisKeyPrefix+"*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := m.redis.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
