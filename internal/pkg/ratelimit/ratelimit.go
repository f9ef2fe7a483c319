// Package ratelimit 提供保存在 Redis 中的分布式令牌桶。
//
// worker 进程与命令行共用同一个 key，全平台扫描的频率因此在所有进程间共享。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"pricetracker/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrWaitTimeout 在 ctx 结束前没能拿到令牌。
var ErrWaitTimeout = errors.New("rate limit wait timeout")

const (
	// DefaultKey 未指定 key 时使用的令牌桶。
	DefaultKey = "pricetracker:ratelimit:default"
	// FullSweepKey 全平台扫描共用的令牌桶。
	FullSweepKey = "pricetracker:ratelimit:full_sweep"
)

// takeScript 按毫秒时间戳补充令牌并尝试取走一个。
//
// 返回 {是否放行, 需要等待的毫秒数, 剩余令牌}；剩余令牌以字符串返回以保留小数。
const takeScript = `
local bucket = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local state = redis.call("HMGET", bucket, "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last_ms = tonumber(state[2]) or now_ms

local elapsed = now_ms - last_ms
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate / 1000.0)

local granted = 0
local retry_ms = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
else
  retry_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", bucket, "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", bucket, math.ceil(capacity * 2000.0 / rate))

return {granted, retry_ms, tostring(tokens)}
`

// Bucket 令牌桶参数。Rate 为每秒补充的令牌数，Burst 为桶容量。
type Bucket struct {
	Rate  float64
	Burst float64
}

// PerMinute 每分钟最多放行 n 次、不允许突发。n <= 0 表示不限流。
func PerMinute(n float64) Bucket {
	if n <= 0 {
		return Bucket{}
	}
	return Bucket{Rate: n / 60.0, Burst: 1}
}

// Unlimited 报告该桶是否关闭了限流。
func (b Bucket) Unlimited() bool {
	return b.Rate <= 0 || b.Burst <= 0
}

// Decision 是一次取令牌的结果。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 未放行时距离下一个令牌的时间
	Remaining  float64
}

// Limiter 是共享的令牌桶。nil 的 *Limiter 总是放行。
type Limiter struct {
	rdb    *redis.Client
	key    string
	bucket Bucket
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// New 创建令牌桶。
func New(rdb *redis.Client, logger *slog.Logger, key string, bucket Bucket) *Limiter {
	if key == "" {
		key = DefaultKey
	}
	return &Limiter{
		rdb:    rdb,
		key:    key,
		bucket: bucket,
		logger: logger,
		script: redis.NewScript(takeScript),
		now:    time.Now,
	}
}

// NewPerMinute 等价于 New(rdb, logger, key, PerMinute(perMinute))。
func NewPerMinute(rdb *redis.Client, logger *slog.Logger, key string, perMinute float64) *Limiter {
	return New(rdb, logger, key, PerMinute(perMinute))
}

// Take 不等待，尝试取一个令牌。
func (l *Limiter) Take(ctx context.Context) (Decision, error) {
	if l == nil || l.bucket.Unlimited() {
		return Decision{Allowed: true}, nil
	}

	res, err := l.script.Run(ctx, l.rdb, []string{l.key},
		l.bucket.Rate, l.bucket.Burst, l.now().UnixMilli()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit eval %s: %w", l.key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("ratelimit eval %s: unexpected reply %v", l.key, res)
	}

	remaining, _ := strconv.ParseFloat(fmt.Sprint(res[2]), 64)
	return Decision{
		Allowed:    asInt64(res[0]) == 1,
		RetryAfter: time.Duration(asInt64(res[1])) * time.Millisecond,
		Remaining:  remaining,
	}, nil
}

// Allow 是 Take 的简写，返回是否放行以及未放行时的等待时间。
func (l *Limiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	d, err := l.Take(ctx)
	if err != nil {
		return false, 0, err
	}
	return d.Allowed, d.RetryAfter, nil
}

// Wait 阻塞直到拿到令牌；ctx 先结束时返回 ErrWaitTimeout。
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.bucket.Unlimited() {
		return nil
	}

	start := time.Now()
	for {
		d, err := l.Take(ctx)
		if err != nil {
			return err
		}
		if d.Allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		// 多个进程同时醒来时错开 10ms 以内
		sleep := d.RetryAfter
		if sleep <= 0 {
			sleep = 50 * time.Millisecond
		}
		sleep += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			if l.logger != nil {
				l.logger.Warn("rate limit wait timeout",
					slog.String("key", l.key),
					slog.Duration("waited", time.Since(start)))
			}
			return ErrWaitTimeout
		case <-timer.C:
		}
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
