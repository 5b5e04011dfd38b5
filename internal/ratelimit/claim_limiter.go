package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimLimiter throttles data/get calls per worker with a token bucket kept in Redis,
// so every API replica draws from the same bucket.
type ClaimLimiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewClaimLimiter constructs a limiter. A capacity <= 0 disables limiting.
func NewClaimLimiter(client *redis.Client, capacity int, refillPerSecond float64) *ClaimLimiter {
	ttl := time.Minute
	if refillPerSecond > 0 {
		// long enough for an idle bucket to refill completely
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &ClaimLimiter{
		client:   client,
		prefix:   "labelflow:ratelimit:claim:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token from the worker's bucket.
// Returns whether the call may proceed and the tokens left.
func (l *ClaimLimiter) Allow(ctx context.Context, userID string) (bool, float64, error) {
	if l == nil || l.capacity <= 0 {
		return true, 0, nil
	}
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + userID},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run bucket script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket script reply: %T", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// tokens are returned as a string so Redis does not truncate the fraction.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
