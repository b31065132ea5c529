package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	ACLBaseTTL   = 10 * time.Minute // 允许判定的基础过期时间
	ACLJitter    = 2 * time.Minute  // 随机抖动范围
	ACLDeniedTTL = time.Minute      // 拒绝判定缓存得短一些，授权后很快生效

	aclAllowed = 1
	aclDenied  = -1
)

// ACLCache 缓存 (文档, 用户) 的访问判定
type ACLCache interface {
	// Get hit=false 表示没有缓存
	Get(ctx context.Context, docID string, userID uint64) (allowed, hit bool, err error)
	Set(ctx context.Context, docID string, userID uint64, allowed bool) error
	Invalidate(ctx context.Context, docID string, userID uint64) error
}

type redisACL struct {
	rdb redis.UniversalClient
}

func NewRedisACL(rdb redis.UniversalClient) ACLCache {
	return &redisACL{rdb: rdb}
}

// 随机 TTL，防止同一批键同时过期
func aclTTL() time.Duration {
	return ACLBaseTTL + time.Duration(rand.Int63n(int64(ACLJitter)))
}

func (r *redisACL) Get(ctx context.Context, docID string, userID uint64) (bool, bool, error) {
	v, err := r.rdb.Get(ctx, aclKey(docID, userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, err
	}
	return v == aclAllowed, true, nil
}

func (r *redisACL) Set(ctx context.Context, docID string, userID uint64, allowed bool) error {
	if allowed {
		return r.rdb.Set(ctx, aclKey(docID, userID), aclAllowed, aclTTL()).Err()
	}
	return r.rdb.Set(ctx, aclKey(docID, userID), aclDenied, ACLDeniedTTL).Err()
}

func (r *redisACL) Invalidate(ctx context.Context, docID string, userID uint64) error {
	return r.rdb.Del(ctx, aclKey(docID, userID)).Err()
}
