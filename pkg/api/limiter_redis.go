package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tenantTokenBucketScript handles the token bucket algorithm atomically in
// Redis so that multiple gateway replicas share one budget per tenant.
// KEYS[1] = bucket key (e.g. "quota:tenant:acme")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsec precision)
var tenantTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

-- Expire in 60s to self-clean idle buckets.
redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// TenantQuota is the per-tenant request budget enforced across replicas.
type TenantQuota struct {
	RPM   int
	Burst int
}

// RedisTenantLimiter enforces per-tenant quotas using a shared Redis bucket.
type RedisTenantLimiter struct {
	client *redis.Client
	quota  TenantQuota
}

// NewRedisTenantLimiter creates a limiter backed by Redis.
func NewRedisTenantLimiter(addr string, password string, db int, quota TenantQuota) *RedisTenantLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisTenantLimiter{client: rdb, quota: quota}
}

// Allow executes the Lua script to check and update the tenant's bucket.
func (l *RedisTenantLimiter) Allow(ctx context.Context, tenantID string, cost int) (bool, error) {
	key := fmt.Sprintf("quota:tenant:%s", tenantID)

	rate := float64(l.quota.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tenantTokenBucketScript.Run(ctx, l.client, []string{key}, rate, l.quota.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}

	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, nil
}

// Close releases the underlying Redis connection.
func (l *RedisTenantLimiter) Close() error {
	return l.client.Close()
}
