package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const epochKeyPrefix = "darowizna:session:epoch:"

// Store 维护每个用户的会话纪元（epoch）。
//
// 登录时把当前纪元写入 JWT；密码修改或重置后 Bump 一次，
// 之前签发的所有 JWT 随即失效（见 middleware.AuthMiddleware）。
// 键不存在视为纪元 0。
type Store struct {
	rdb *redis.Client
}

// NewStore 创建会话纪元存储。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Current 返回用户当前的会话纪元。
func (s *Store) Current(ctx context.Context, userID uint) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, nil
	}
	val, err := s.rdb.Get(ctx, epochKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session epoch get: %w", err)
	}
	return val, nil
}

// Bump 使用户现有的所有会话失效。
func (s *Store) Bump(ctx context.Context, userID uint) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if err := s.rdb.Incr(ctx, epochKey(userID)).Err(); err != nil {
		return fmt.Errorf("session epoch incr: %w", err)
	}
	return nil
}

func epochKey(userID uint) string {
	return fmt.Sprintf("%s%d", epochKeyPrefix, userID)
}
