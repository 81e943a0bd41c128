package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a durable Queue on Redis. Keys under prefix:
//
//	<prefix>:ready    ZSET  job id -> ready score*1000 + sequence
//	<prefix>:delayed  ZSET  job id -> not_before (unix ms)
//	<prefix>:entries  HASH  job id -> JSON Entry
//	<prefix>:scores   HASH  job id -> ready score for delayed entries
//	<prefix>:seq      STRING tie-break counter
//
// Every mutation is a single Lua script, so a job is never in two sets.
// Scores are formatted with %.0f because Lua's default number formatting
// would round them.
type RedisQueue struct {
	rdb       *redis.Client
	agingStep time.Duration
	keys      []string
}

// NewRedisQueue creates a queue storing its keys under prefix.
func NewRedisQueue(rdb *redis.Client, prefix string, agingStep time.Duration) *RedisQueue {
	if agingStep <= 0 {
		agingStep = DefaultAgingStep
	}
	return &RedisQueue{
		rdb:       rdb,
		agingStep: agingStep,
		keys: []string{
			prefix + ":ready",
			prefix + ":delayed",
			prefix + ":entries",
			prefix + ":scores",
			prefix + ":seq",
		},
	}
}

// ARGV: job id, entry JSON, ready score, not_before ms, now ms
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
local notBefore = tonumber(ARGV[4])
if notBefore > tonumber(ARGV[5]) then
  redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
  redis.call('ZADD', KEYS[2], notBefore, ARGV[1])
else
  local seq = redis.call('INCR', KEYS[5]) % 1000
  redis.call('ZADD', KEYS[1], string.format('%.0f', tonumber(ARGV[3]) * 1000 + seq), ARGV[1])
end
return 1
`)

// ARGV: now ms, promotion batch size
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  local score = tonumber(redis.call('HGET', KEYS[4], id) or ARGV[1])
  local seq = redis.call('INCR', KEYS[5]) % 1000
  redis.call('ZADD', KEYS[1], string.format('%.0f', score * 1000 + seq), id)
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[4], id)
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
local raw = redis.call('HGET', KEYS[3], id)
redis.call('HDEL', KEYS[3], id)
return raw
`)

// ARGV: job id
var removeScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return removed
`)

const promoteBatch = 100

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode queue entry: %w", err)
	}

	notBefore := e.NotBefore.UnixMilli()
	if e.NotBefore.IsZero() {
		notBefore = 0
	}
	added, err := enqueueScript.Run(ctx, q.rdb, q.keys,
		e.JobID, raw, readyScore(e, q.agingStep), notBefore, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.JobID, err)
	}
	return added == 1, nil
}

func (q *RedisQueue) Pop(ctx context.Context, now time.Time) (*Entry, error) {
	raw, err := popScript.Run(ctx, q.rdb, q.keys, now.UnixMilli(), promoteBatch).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &e, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := removeScript.Run(ctx, q.rdb, q.keys, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", jobID, err)
	}
	return removed == 1, nil
}

func (q *RedisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.rdb.HExists(ctx, q.keys[2], jobID).Result()
	if err != nil {
		return false, fmt.Errorf("contains %s: %w", jobID, err)
	}
	return ok, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.HLen(ctx, q.keys[2]).Result()
	if err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, q.keys[0])
	delayed := pipe.ZCard(ctx, q.keys[1])
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{Ready: int(ready.Val()), Delayed: int(delayed.Val())}, nil
}
