package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"doc-chat-go/pkg/log"
)

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker 基于 SET NX PX 的跨进程锁。进程内先串行化，减少对 Redis 的争抢。
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
	local *LocalLocker
}

// NewRedisLocker 创建 Redis 锁，ttl 为锁的最长持有时间。
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 50 * time.Millisecond, local: NewLocalLocker()}
}

// Lock 轮询 SETNX 直到成功或 ctx 结束。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := "lock:" + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("获取 Redis 锁失败 (key=%s): %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}

	return func() {
		// 即使调用方 ctx 已取消也要释放
		if err := releaseScript.Run(context.Background(), l.rdb, []string{redisKey}, token).Err(); err != nil {
			log.Warnf("[RedisLocker] 释放锁失败, key=%s: %v", redisKey, err)
		}
		unlockLocal()
	}, nil
}
