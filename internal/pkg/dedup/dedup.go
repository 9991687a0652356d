package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "darowizna:donation:submitted:"

// Deduplicator 拦截短时间内重复提交的捐赠表单（浏览器双击、刷新重发）。
//
// 指纹在窗口期内已存在时视为重复。Redis 不可用不应阻断提交，
// 由调用方记录日志后放行。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Fingerprint 根据提交内容生成指纹。
func Fingerprint(userID uint, institution string, categories []string, pickupDate string) string {
	return fmt.Sprintf("%d|%s|%s|%s", userID, institution, strings.Join(categories, ","), pickupDate)
}

// IsDuplicate 检查指纹是否已在窗口期内出现过，并记录本次出现。
func (d *Deduplicator) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return false, nil
	}
	key := keyPrefix + hashFingerprint(fingerprint)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 移除指纹记录（提交持久化失败后允许立即重试）。
func (d *Deduplicator) Delete(ctx context.Context, fingerprint string) error {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return nil
	}
	key := keyPrefix + hashFingerprint(fingerprint)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashFingerprint(fp string) string {
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:])
}
