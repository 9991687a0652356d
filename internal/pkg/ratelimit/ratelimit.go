package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited 表示请求被限流拒绝。
var ErrRateLimited = errors.New("rate limited")

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// Limiter 基于 Redis 的令牌桶限流器。
//
// 用于限制验证邮件 / 重置邮件的发送频率：按收件地址分桶，
// 超限时返回建议的重试等待时间。
type Limiter struct {
	rdb    *redis.Client
	prefix string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewLimiter 创建限流器。rate 为每秒补充的令牌数，burst 为桶容量。
func NewLimiter(rdb *redis.Client, logger *slog.Logger, prefix string, rate float64, burst float64) *Limiter {
	if prefix == "" {
		prefix = "darowizna:ratelimit:"
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Allow 尝试获取一个令牌。
//
// 返回 ErrRateLimited 时附带建议的重试等待时间。
// Redis 不可用时放行（限流只是保护措施，不应阻断业务）。
func (l *Limiter) Allow(ctx context.Context, key string) (time.Duration, error) {
	if l == nil || l.rdb == nil || l.rate <= 0 || l.burst <= 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{l.prefix + key}, l.rate, l.burst, now, 1).Result()
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("ratelimit script failed, allowing request", slog.String("error", err.Error()))
		}
		return 0, nil
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := values[0].(int64)
	waitMs, _ := values[1].(int64)

	if allowed == 1 {
		return 0, nil
	}
	return time.Duration(waitMs) * time.Millisecond, ErrRateLimited
}
