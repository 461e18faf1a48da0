package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/sitegrid/botguard/internal/models"
)

const redisKeyPattern = "botguard:ratelimit:%s:%s"

// hitScript applies the full window/violation transition to one hash.
// ARGV: now_ms, window_ms, max_requests, block_step_ms, max_block_ms, endpoint.
// Reply: count, window_start_ms, consecutive, total, blocked, expires_ms, violated.
const hitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local step = tonumber(ARGV[4])
local cap = tonumber(ARGV[5])

local s = redis.call('HMGET', key, 'count', 'window_start', 'consecutive', 'total', 'blocked', 'expires')
local count = tonumber(s[1])
local start = tonumber(s[2])
local consecutive = tonumber(s[3]) or 0
local total = tonumber(s[4]) or 0
local blocked = tonumber(s[5]) or 0
local expires = tonumber(s[6]) or 0
local violated = 0

if count == nil or start == nil or now - start >= window then
  count = 1
  start = now
  consecutive = 0
  blocked = 0
  expires = 0
else
  count = count + 1
  if count > max then
    consecutive = consecutive + 1
    total = total + 1
    local d = consecutive * step
    if d > cap then d = cap end
    blocked = 1
    if now + d > expires then expires = now + d end
    violated = 1
  end
end

redis.call('HSET', key, 'count', count, 'window_start', start, 'consecutive', consecutive,
  'total', total, 'blocked', blocked, 'expires', expires, 'endpoint', ARGV[6])
return {count, start, consecutive, total, blocked, expires, violated}
`

// resetScript clears the window and block of an existing hash.
// ARGV: now_ms. Reply: 0 when the hash does not exist, 1 otherwise.
const resetScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'count', 0, 'window_start', ARGV[1], 'consecutive', 0,
  'blocked', 0, 'expires', 0)
return 1
`

// RedisStore keeps rate limit state in Redis hashes. Every call is guarded by
// a circuit breaker so an unreachable Redis fails fast.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRedisStore returns a RedisStore. maxFailures consecutive errors open the
// breaker for timeout.
func NewRedisStore(client *redis.Client, timeout time.Duration, maxFailures uint32) *RedisStore {
	settings := gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 5,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &RedisStore{client: client, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func redisKey(key Key) string {
	return fmt.Sprintf(redisKeyPattern, key.Type, key.Identifier)
}

func (s *RedisStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := s.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return v, nil
}

// Hit runs hitScript for key.
func (s *RedisStore) Hit(ctx context.Context, key Key, endpoint string, now time.Time, rules Rules) (*models.RateLimitState, bool, error) {
	v, err := s.execute(func() (interface{}, error) {
		return s.client.Eval(ctx, hitScript, []string{redisKey(key)},
			now.UnixMilli(),
			rules.Window.Milliseconds(),
			rules.MaxRequests,
			rules.BlockStep.Milliseconds(),
			rules.MaxBlock.Milliseconds(),
			endpoint,
		).Slice()
	})
	if err != nil {
		return nil, false, fmt.Errorf("rate limit script: %w", err)
	}

	reply, ok := v.([]interface{})
	if !ok || len(reply) != 7 {
		return nil, false, fmt.Errorf("rate limit script: unexpected reply %v", v)
	}
	nums := make([]int64, len(reply))
	for i, r := range reply {
		n, ok := r.(int64)
		if !ok {
			return nil, false, fmt.Errorf("rate limit script: unexpected value %v at %d", r, i)
		}
		nums[i] = n
	}

	state := &models.RateLimitState{
		Identifier:            key.Identifier,
		IdentifierType:        key.Type,
		Endpoint:              endpoint,
		RequestCount:          int(nums[0]),
		WindowStart:           time.UnixMilli(nums[1]).UTC(),
		ConsecutiveViolations: int(nums[2]),
		TotalViolations:       int(nums[3]),
		IsBlocked:             nums[4] == 1,
	}
	if state.IsBlocked && nums[5] > 0 {
		expires := time.UnixMilli(nums[5]).UTC()
		state.BlockExpiresAt = &expires
	}
	return state, nums[6] == 1, nil
}

// Get reads the hash for key.
func (s *RedisStore) Get(ctx context.Context, key Key) (*models.RateLimitState, error) {
	v, err := s.execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, redisKey(key)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("read rate limit state: %w", err)
	}
	fields, _ := v.(map[string]string)
	if len(fields) == 0 {
		return nil, ErrStateNotFound
	}

	num := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}
	state := &models.RateLimitState{
		Identifier:            key.Identifier,
		IdentifierType:        key.Type,
		Endpoint:              fields["endpoint"],
		RequestCount:          int(num("count")),
		WindowStart:           time.UnixMilli(num("window_start")).UTC(),
		ConsecutiveViolations: int(num("consecutive")),
		TotalViolations:       int(num("total")),
		IsBlocked:             num("blocked") == 1,
	}
	if exp := num("expires"); state.IsBlocked && exp > 0 {
		expires := time.UnixMilli(exp).UTC()
		state.BlockExpiresAt = &expires
	}
	return state, nil
}

// Reset clears counters and the block, keeping the total.
func (s *RedisStore) Reset(ctx context.Context, key Key, now time.Time) error {
	v, err := s.execute(func() (interface{}, error) {
		return s.client.Eval(ctx, resetScript, []string{redisKey(key)}, now.UnixMilli()).Result()
	})
	if err != nil {
		return fmt.Errorf("reset rate limit state: %w", err)
	}
	if n, _ := v.(int64); n == 0 {
		return ErrStateNotFound
	}
	return nil
}
