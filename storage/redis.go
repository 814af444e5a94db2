package storage

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// prefixPattern validates a configured storage prefix (§4.1).
var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:]{1,50}$`)

// userKeyPattern sanitizes the user-supplied portion of a key before it is
// ever concatenated into a Redis key or Lua script argument.
var userKeyPattern = regexp.MustCompile(`[^A-Za-z0-9_\-:.]+`)

const maxUserKeyLength = 400

// SanitizeUserKey strips characters outside [A-Za-z0-9_\-:.] from a
// caller-supplied key component and caps its length, mirroring the
// fingerprint sanitizer used elsewhere so a hostile "by" value can't smuggle
// Lua-script metacharacters into a server-side script argument.
func SanitizeUserKey(s string) string {
	s = userKeyPattern.ReplaceAllString(s, "_")
	if len(s) > maxUserKeyLength {
		s = s[:maxUserKeyLength]
	}
	return s
}

// ValidatePrefix checks a configured key prefix against §4.1's pattern.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("storage: invalid prefix %q: must match %s", prefix, prefixPattern.String())
	}
	return nil
}

// clockSampleInterval is how often the Redis backend re-samples server
// time to compute its clock offset (§4.1).
const clockSampleInterval = 60 * time.Second

// clockOffsetThreshold is the |offset| above which server time is used
// directly for timestamps passed into scripts instead of the local clock.
const clockOffsetThreshold = 100 * time.Millisecond

const maxBackoff = 60 * time.Second

// Redis is the distributed storage backend: every atomic primitive is
// issued as a single Lua script evaluated server-side, so two replicas of
// the calling process never race each other on the read-modify-write
// (§4.1, §5).
type Redis struct {
	client redis.UniversalClient
	prefix string

	offsetMu     sync.RWMutex
	offset       time.Duration
	lastSample   time.Time
	backoff      time.Duration
	failureCount int64

	tokenBucketScript  *redis.Script
	slidingWindowScript *redis.Script
	fixedWindowScript  *redis.Script
	acquireConcScript  *redis.Script
	releaseConcScript  *redis.Script
}

// NewRedis wraps an existing go-redis client. prefix is validated against
// §4.1's pattern; an empty prefix defaults to DefaultPrefix.
func NewRedis(client redis.UniversalClient, prefix string) (*Redis, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	trimmed := prefix
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == ':' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if err := ValidatePrefix(trimmed); err != nil {
		return nil, err
	}

	r := &Redis{
		client:              client,
		prefix:              prefix,
		backoff:             time.Second,
		tokenBucketScript:   redis.NewScript(tokenBucketLua),
		slidingWindowScript: redis.NewScript(slidingWindowLua),
		fixedWindowScript:   redis.NewScript(fixedWindowLua),
		acquireConcScript:   redis.NewScript(acquireConcurrencyLua),
		releaseConcScript:   redis.NewScript(releaseConcurrencyLua),
	}
	return r, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// serverNow returns the timestamp (ms) to pass into atomic scripts: the
// local clock adjusted by the last-sampled offset when that offset exceeds
// clockOffsetThreshold, otherwise the raw local clock (§4.1).
func (r *Redis) serverNow(ctx context.Context) int64 {
	r.maybeSampleClock(ctx)
	r.offsetMu.RLock()
	offset := r.offset
	r.offsetMu.RUnlock()

	now := time.Now()
	if offset > clockOffsetThreshold || offset < -clockOffsetThreshold {
		now = now.Add(offset)
	}
	return now.UnixMilli()
}

func (r *Redis) maybeSampleClock(ctx context.Context) {
	r.offsetMu.RLock()
	due := time.Since(r.lastSample) >= clockSampleInterval
	r.offsetMu.RUnlock()
	if !due {
		return
	}

	r.offsetMu.Lock()
	defer r.offsetMu.Unlock()
	if time.Since(r.lastSample) < clockSampleInterval {
		return // another goroutine won the race
	}

	before := time.Now()
	res := r.client.Time(ctx)
	after := time.Now()
	serverTime, err := res.Result()
	if err != nil {
		atomic.AddInt64(&r.failureCount, 1)
		r.backoff *= 2
		if r.backoff > maxBackoff {
			r.backoff = maxBackoff
		}
		return
	}

	atomic.StoreInt64(&r.failureCount, 0)
	r.backoff = time.Second
	rtt := after.Sub(before)
	estimatedLocalAtServerSample := before.Add(rtt / 2)
	r.offset = serverTime.Sub(estimatedLocalAtServerSample)
	r.lastSample = after
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Increment(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, r.key(key), n)
	if ttl > 0 {
		pipe.Expire(ctx, r.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// TokenBucket runs the discrete-refill token bucket algorithm as a single
// Lua script (§4.1, §4.3).
func (r *Redis) TokenBucket(ctx context.Context, key string, capacity, refillRate int64, interval time.Duration, requested int64) (AtomicResult, error) {
	now := r.serverNow(ctx)
	res, err := r.tokenBucketScript.Run(ctx, r.client, []string{r.key(key)},
		capacity, refillRate, interval.Milliseconds(), requested, now, (10 * interval).Milliseconds(),
	).Result()
	if err != nil {
		return AtomicResult{}, err
	}
	return decodeAtomicResult(res)
}

// SlidingWindow runs the drop-then-insert algorithm from §4.2's "atomic
// path" as a single Lua script against a Redis sorted set.
func (r *Redis) SlidingWindow(ctx context.Context, key string, max int64, window time.Duration) (AtomicResult, error) {
	now := r.serverNow(ctx)
	res, err := r.slidingWindowScript.Run(ctx, r.client, []string{r.key(key)},
		max, window.Milliseconds(), now,
	).Result()
	if err != nil {
		return AtomicResult{}, err
	}
	return decodeAtomicResult(res)
}

// FixedWindow runs a tumbling-window counter as a single Lua script.
func (r *Redis) FixedWindow(ctx context.Context, key string, max int64, window time.Duration) (AtomicResult, error) {
	now := r.serverNow(ctx)
	res, err := r.fixedWindowScript.Run(ctx, r.client, []string{r.key(key)},
		max, window.Milliseconds(), now,
	).Result()
	if err != nil {
		return AtomicResult{}, err
	}
	return decodeAtomicResult(res)
}

func (r *Redis) AcquireConcurrency(ctx context.Context, key string, max int64, reqID string, timeout time.Duration) (bool, error) {
	now := r.serverNow(ctx)
	res, err := r.acquireConcScript.Run(ctx, r.client, []string{r.key(key)},
		max, reqID, timeout.Milliseconds(), now,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *Redis) ReleaseConcurrency(ctx context.Context, key string, reqID string) error {
	return r.releaseConcScript.Run(ctx, r.client, []string{r.key(key)}, reqID).Err()
}

func decodeAtomicResult(res interface{}) (AtomicResult, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return AtomicResult{}, fmt.Errorf("storage: unexpected script reply shape: %#v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetAtMS, _ := vals[2].(int64)
	return AtomicResult{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(resetAtMS),
	}, nil
}

// The scripts below each perform their entire read-modify-write in one
// round trip, returning {allowed(0/1), remaining, reset_at_ms}.

const tokenBucketLua = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local ttl_ms = tonumber(ARGV[6])

local tokens = capacity
local last_refill = now

local raw = redis.call('GET', key)
if raw then
  local sep = string.find(raw, '|')
  tokens = tonumber(string.sub(raw, 1, sep - 1))
  last_refill = tonumber(string.sub(raw, sep + 1))
end

if interval_ms > 0 then
  local elapsed = now - last_refill
  if elapsed > 0 then
    local steps = math.floor(elapsed / interval_ms)
    if steps > 0 then
      tokens = math.min(capacity, tokens + steps * refill_rate)
      last_refill = last_refill + steps * interval_ms
    end
  end
end

local allowed = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
end

redis.call('SET', key, tostring(tokens) .. '|' .. tostring(last_refill), 'PX', ttl_ms)

local remaining = math.max(0, math.floor(tokens))
local reset_at = now
if refill_rate > 0 then
  local need = capacity - tokens
  if need > 0 then
    reset_at = last_refill + math.ceil(need / refill_rate) * interval_ms
  else
    reset_at = last_refill
  end
end

return {allowed, remaining, math.floor(reset_at)}
`

const slidingWindowLua = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cutoff = now - window_ms

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)

if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local reset_at = now + window_ms
  if oldest[2] then
    reset_at = tonumber(oldest[2]) + window_ms
  end
  return {0, 0, math.floor(reset_at)}
end

local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000000))
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window_ms * 2)

count = count + 1
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset_at = now + window_ms
if oldest[2] then
  reset_at = tonumber(oldest[2]) + window_ms
end

return {1, max - count, math.floor(reset_at)}
`

const fixedWindowLua = `
local base_key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = math.floor(now / window_ms)
local key = base_key .. ':' .. tostring(bucket)
local reset_at = (bucket + 1) * window_ms

local count = tonumber(redis.call('GET', key) or '0')
if count >= max then
  return {0, 0, math.floor(reset_at)}
end

count = redis.call('INCR', key)
redis.call('PEXPIRE', key, window_ms)

return {1, max - count, math.floor(reset_at)}
`

const acquireConcurrencyLua = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local req_id = ARGV[2]
local timeout_ms = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local members = redis.call('HGETALL', key)
for i = 1, #members, 2 do
  local id = members[i]
  local acquired_at = tonumber(members[i + 1])
  if timeout_ms > 0 and (now - acquired_at) > timeout_ms then
    redis.call('HDEL', key, id)
  end
end

local count = redis.call('HLEN', key)
if count >= max then
  return 0
end

redis.call('HSET', key, req_id, now)
redis.call('PEXPIRE', key, math.max(timeout_ms * 2, 60000))
return 1
`

const releaseConcurrencyLua = `
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`
