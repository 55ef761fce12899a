package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"

	"SalesAgent/storage/redis"
)

const lockPrefix = "lock"

// 只删除自己持有的锁，避免过期后误删别人的
var unlockScript = redislib.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker SETNX 分布式锁，值为随机 token
type Locker struct {
	client redislib.UniversalClient
}

func NewLocker(client redislib.UniversalClient) *Locker {
	return &Locker{client: client}
}

// TryLock 返回的 token 用于 Unlock；ok=false 表示锁已被占用
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redis.Key(lockPrefix, key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, l.client, []string{redis.Key(lockPrefix, key)}, token).Err()
}
