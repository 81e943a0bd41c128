package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is how long a slot survives without renewal.
const DefaultLeaseTTL = 30 * time.Second

// Slots bounds how many entries run at once across every process sharing
// it. A slot is a lease owned by a holder token; a lease that is not renewed
// before it expires is freed, so a crashed worker cannot keep a slot.
type Slots interface {
	// Acquire takes a slot for holder when fewer than limit leases are live.
	Acquire(ctx context.Context, holder string, limit int, ttl time.Duration) (bool, error)
	// Renew extends holder's lease. It reports false once the lease has lapsed.
	Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, holder string) error
	// Active is the number of live leases.
	Active(ctx context.Context) (int, error)
}

// RedisSlots keeps leases in a ZSET scored by expiry (unix ms).
type RedisSlots struct {
	rdb *redis.Client
	key string
}

// NewRedisSlots stores leases under key.
func NewRedisSlots(rdb *redis.Client, key string) *RedisSlots {
	return &RedisSlots{rdb: rdb, key: key}
}

// ARGV: now ms, expiry ms, limit, holder
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
return 1
`)

// ARGV: now ms, expiry ms, holder
var renewScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
  redis.call('ZREM', KEYS[1], ARGV[3])
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

func (s *RedisSlots) Acquire(ctx context.Context, holder string, limit int, ttl time.Duration) (bool, error) {
	now := time.Now()
	ok, err := acquireScript.Run(ctx, s.rdb, []string{s.key},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), limit, holder,
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return ok == 1, nil
}

func (s *RedisSlots) Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	ok, err := renewScript.Run(ctx, s.rdb, []string{s.key},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), holder,
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew slot: %w", err)
	}
	return ok == 1, nil
}

func (s *RedisSlots) Release(ctx context.Context, holder string) error {
	if err := s.rdb.ZRem(ctx, s.key, holder).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *RedisSlots) Active(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCount(ctx, s.key, fmt.Sprintf("(%d", time.Now().UnixMilli()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("active slots: %w", err)
	}
	return int(n), nil
}

// MemorySlots is the in-process Slots. Schedulers sharing one instance share
// the bound.
type MemorySlots struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemorySlots creates an empty slot pool.
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{leases: make(map[string]time.Time), now: time.Now}
}

func (s *MemorySlots) Acquire(_ context.Context, holder string, limit int, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)
	if _, ok := s.leases[holder]; !ok && len(s.leases) >= limit {
		return false, nil
	}
	s.leases[holder] = now.Add(ttl)
	return true, nil
}

func (s *MemorySlots) Renew(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)
	if _, ok := s.leases[holder]; !ok {
		return false, nil
	}
	s.leases[holder] = now.Add(ttl)
	return true, nil
}

func (s *MemorySlots) Release(_ context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, holder)
	return nil
}

func (s *MemorySlots) Active(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(s.now())
	return len(s.leases), nil
}

func (s *MemorySlots) expire(now time.Time) {
	for holder, until := range s.leases {
		if !until.After(now) {
			delete(s.leases, holder)
		}
	}
}
