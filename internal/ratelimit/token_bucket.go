package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one token request.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket shared by every replica through Redis.
type TokenBucket struct {
	client     *redis.Client
	prefix     string
	capacity   int
	refill     float64 // tokens per second
	ttl        time.Duration
	resolution time.Duration // RetryAfter is rounded up to a multiple of this
	now        func() time.Time
}

// NewFetchLimiter builds the per-tenant bucket guarding manual fetch triggers.
func NewFetchLimiter(client *redis.Client, capacity int, refillPerSecond float64) *TokenBucket {
	return newBucket(client, "ratelimit:fetch:", capacity, refillPerSecond, time.Second)
}

// NewScoringLimiter builds the bucket every worker replica draws from before dispatching
// to the scorer, so perSecond caps the whole fleet rather than each process.
func NewScoringLimiter(client *redis.Client, perSecond float64) *TokenBucket {
	capacity := int(perSecond)
	if capacity < 1 {
		capacity = 1
	}
	return newBucket(client, "ratelimit:", capacity, perSecond, time.Millisecond)
}

func newBucket(client *redis.Client, prefix string, capacity int, refill float64, resolution time.Duration) *TokenBucket {
	ttl := time.Hour
	if refill > 0 {
		// long enough for an idle bucket to refill completely
		ttl = time.Duration(float64(capacity)/refill*float64(time.Second)) + time.Minute
	}
	return &TokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refill:     refill,
		ttl:        ttl,
		resolution: resolution,
		now:        time.Now,
	}
}

// Allow consumes a single token from the tenant's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, tenantID string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + tenantID},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", tenantID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected reply from token bucket script: %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - tokens
		steps := math.Ceil(missing / b.refill * float64(time.Second) / float64(b.resolution))
		d.RetryAfter = time.Duration(steps) * b.resolution
	}
	return d, nil
}

// Wait blocks until a token is taken from key's bucket or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		d, err := b.Allow(ctx, key)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// tokens are returned as a string: Lua numbers are truncated to integers in replies
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
