// Package dedup 防止同一商品在短时间内被重复提交抓取任务。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pricetracker:dedup:"

// Deduplicator 用 SETNX 为一个去重键记录首个任务 ID。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// ProductKey 返回单品任务的去重键，平台名称不区分大小写。
func ProductKey(platform string, nativeID string) string {
	return "product:" + strings.ToLower(strings.TrimSpace(platform)) + "/" + strings.TrimSpace(nativeID)
}

// Claim 尝试为 key 登记 taskID。
//
// 窗口内首次登记返回 (taskID, true)；已有任务时返回已登记的任务 ID 和 false。
func (d *Deduplicator) Claim(ctx context.Context, key string, taskID string) (string, bool, error) {
	if d == nil || d.rdb == nil || key == "" {
		return taskID, true, nil
	}
	redisKey := keyPrefix + hashKey(key)
	ok, err := d.rdb.SetNX(ctx, redisKey, taskID, d.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup setnx: %w", err)
	}
	if ok {
		return taskID, true, nil
	}

	existing, err := d.rdb.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// 刚好过期，重新登记
		return d.Claim(ctx, key, taskID)
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup get: %w", err)
	}
	return existing, false, nil
}

// Release 在任务提交失败时释放去重键。
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	if d == nil || d.rdb == nil || key == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+hashKey(key)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
