package throttle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/frosty308/webapps/pkg/cache"
)

// MemoryStore keeps counters in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Hit(ctx context.Context, key string, now time.Time, limit Limit) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := apply(s.records[key], now, limit)
	s.records[key] = rec
	return rec, nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

const namespace = "throttle"

// hitScript mirrors apply. Times are unix milliseconds; zero means unset.
var hitScript = redis.NewScript(`
local ws = tonumber(redis.call('HGET', KEYS[1], 'ws') or '0')
local c = tonumber(redis.call('HGET', KEYS[1], 'c') or '0')
local lu = tonumber(redis.call('HGET', KEYS[1], 'lu') or '0')
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local lockout = tonumber(ARGV[4])

if now < lu then
  return {ws, c, lu}
end
if ws == 0 or now >= ws + window then
  ws = now
  c = 0
  lu = 0
end
c = c + 1
if c > max then
  if lockout > 0 then
    lu = now + lockout
  else
    lu = ws + window
  end
end
redis.call('HSET', KEYS[1], 'ws', ws, 'c', c, 'lu', lu)
local ttl = ws + window - now
if lu - now > ttl then
  ttl = lu - now
end
redis.call('PEXPIRE', KEYS[1], ttl)
return {ws, c, lu}
`)

// RedisStore shares counters across instances through Redis.
type RedisStore struct {
	cache *cache.Cache
}

// NewRedisStore returns a Store over c.
func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, limit Limit) (Record, error) {
	vals, err := s.cache.RunScript(ctx, hitScript, namespace, key,
		now.UnixMilli(), limit.Max, limit.Window.Milliseconds(), limit.Lockout.Milliseconds()).Int64Slice()
	if err != nil {
		return Record{}, err
	}
	if len(vals) != 3 {
		return Record{}, fmt.Errorf("unexpected script result %v", vals)
	}
	return Record{
		WindowStart: fromMillis(vals[0]),
		Count:       int(vals[1]),
		LockedUntil: fromMillis(vals[2]),
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (Record, error) {
	fields, err := s.cache.HashGetAll(ctx, namespace, key)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	for name, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("throttle field %s: %w", name, err)
		}
		switch name {
		case "ws":
			rec.WindowStart = fromMillis(v)
		case "c":
			rec.Count = int(v)
		case "lu":
			rec.LockedUntil = fromMillis(v)
		}
	}
	return rec, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, namespace, key)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
