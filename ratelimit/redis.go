package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vitwit/x402guard/types"
)

const DefaultRedisPrefix = "x402guard:ratelimit:"

// Window hash fields: count, start, end, blocked_until (unix millis).
// KEYS[1] window hash; ARGV now, window, block, max.
// Returns {count, start, end, blocked_until, short_circuited}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local max = tonumber(ARGV[4])

local v = redis.call('HMGET', KEYS[1], 'count', 'start', 'end', 'blocked_until')
local count = tonumber(v[1]) or 0
local wstart = tonumber(v[2]) or now
local wend = tonumber(v[3]) or 0
local blocked_until = tonumber(v[4]) or 0

if wend <= now then
  count = 0
  wstart = now
  wend = now + window
end

local short = 0
if blocked_until > now then
  short = 1
else
  count = count + 1
  if count > max then
    blocked_until = now + block
  end
end

redis.call('HSET', KEYS[1], 'count', count, 'start', wstart, 'end', wend, 'blocked_until', blocked_until)
local keep = math.max(wend, blocked_until) - now
if keep < 1 then keep = 1 end
redis.call('PEXPIRE', KEYS[1], keep)

return {count, wstart, wend, blocked_until, short}
`)

var releaseScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'count', 'end')
local count = tonumber(v[1]) or 0
local wend = tonumber(v[2]) or 0
if count > 0 and wend > tonumber(ARGV[1]) then
  redis.call('HINCRBY', KEYS[1], 'count', -1)
  return 1
end
return 0
`)

var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'count', 0, 'blocked_until', 0)
return 1
`)

// RedisStore keeps windows in Redis hashes, one per key, updated by Lua
// scripts so each operation is atomic on the server. Keys expire on their own
// once both the window and any block have lapsed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + k.String()
}

func (s *RedisStore) Hit(ctx context.Context, key Key, now time.Time, policy types.RateLimitConfig) (Hit, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(),
		policy.Window().Milliseconds(),
		policy.BlockDuration().Milliseconds(),
		policy.MaxRequests,
	).Int64Slice()
	if err != nil {
		return Hit{}, unavailable(err, "failed to record rate limit hit")
	}
	if len(vals) != 5 {
		return Hit{}, unavailable(errors.New("unexpected script reply"), "failed to record rate limit hit")
	}

	h := Hit{
		Count:          vals[0],
		WindowStart:    fromMillis(vals[1]),
		WindowEnd:      fromMillis(vals[2]),
		ShortCircuited: vals[4] == 1,
	}
	if vals[3] > 0 {
		h.BlockedUntil = fromMillis(vals[3])
	}
	return h, nil
}

func (s *RedisStore) Release(ctx context.Context, key Key, now time.Time) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, now.UnixMilli()).Err(); err != nil {
		return unavailable(err, "failed to release rate limit hit")
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, key Key, _ time.Time) error {
	n, err := resetScript.Run(ctx, s.client, []string{s.key(key)}).Int64()
	if err != nil {
		return unavailable(err, "failed to reset rate limit")
	}
	if n == 0 {
		return windowNotFound(key)
	}
	return nil
}

func (s *RedisStore) Window(ctx context.Context, key Key) (*types.RateLimitWindow, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "count", "start", "end", "blocked_until").Result()
	if err != nil {
		return nil, unavailable(err, "failed to load rate limit window")
	}
	if vals[0] == nil {
		return nil, windowNotFound(key)
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		nums[i] = parseInt(v)
	}

	w := &types.RateLimitWindow{
		Identifier:     key.Identifier,
		IdentifierType: key.IdentifierType,
		Resource:       key.Resource,
		RequestCount:   nums[0],
		WindowStart:    fromMillis(nums[1]),
		WindowEnd:      fromMillis(nums[2]),
	}
	if nums[3] > 0 {
		until := fromMillis(nums[3])
		w.BlockedUntil = &until
		w.Blocked = true
	}
	return w, nil
}

// PurgeIdle is a no-op: Redis expires idle windows itself.
func (s *RedisStore) PurgeIdle(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func parseInt(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func unavailable(err error, message string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.X402Error{
		Kind:    types.KindStorageUnavailable,
		Code:    types.ErrCodeStorage,
		Message: message,
		Err:     err,
	}
}
