package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Buckets are keyed per API key: one for the general API budget and a
// tighter one for POSITION/FA_REPORT submission.
const (
	apiBucketPrefix    = "ratelimit:apikey:"
	eventsBucketPrefix = "ratelimit:events:"
	apiBucketTTL       = 120 * time.Second
	eventsBucketTTL    = 10 * time.Second
)

// RateLimitResult is the outcome of taking one token from a bucket.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// takeToken refills the bucket for the elapsed time and tries to take one
// token. Returns {allowed, retry_after_seconds, tokens_left}.
var takeToken = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - ts) * rate)

local allowed, wait = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {allowed, wait, math.floor(tokens)}
`)

// CheckAPIRateLimit takes a token from keyID's per-minute API bucket.
// A zero rate is the unlimited tier.
func (c *Cache) CheckAPIRateLimit(ctx context.Context, keyID string, perMinute, burst int) (*RateLimitResult, error) {
	if perMinute <= 0 {
		return unlimited(burst, time.Minute), nil
	}
	return c.take(ctx, apiBucketPrefix+keyID, float64(perMinute)/60, burst, apiBucketTTL)
}

// CheckEventRateLimit takes a token from keyID's event submission bucket.
// A non-positive rate disables the limit.
func (c *Cache) CheckEventRateLimit(ctx context.Context, keyID string, perSecond, burst int) (*RateLimitResult, error) {
	if perSecond <= 0 {
		return unlimited(burst, time.Second), nil
	}
	return c.take(ctx, eventsBucketPrefix+keyID, float64(perSecond), burst, eventsBucketTTL)
}

func unlimited(burst int, window time.Duration) *RateLimitResult {
	return &RateLimitResult{Allowed: true, Remaining: int64(burst), ResetAt: time.Now().Add(window)}
}

// take fails open: a Redis outage must not stop event ingestion.
func (c *Cache) take(ctx context.Context, key string, rate float64, burst int, ttl time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	res, err := takeToken.Run(ctx, c.client, []string{key}, rate, burst, now.Unix(), int(ttl.Seconds())).Int64Slice()
	if err != nil {
		return unlimited(burst, time.Minute), nil
	}

	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Remaining:  res[2],
		ResetAt:    now.Add(time.Duration(float64(time.Second) / rate)),
		RetryAfter: time.Duration(res[1]) * time.Second,
	}, nil
}
