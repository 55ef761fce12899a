package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"SalesAgent/pkg/logger"
	"SalesAgent/storage/redis"
)

const (
	dedupPrefix    = "dedup"
	defaultLockTTL = 5 * time.Minute
	defaultDoneTTL = time.Hour
)

// Deduplicator 按入站消息 id 去重：处理中持锁，处理完留 done 标记。
// redis 不可用时放行（fail-open），宁可重复回复也不能丢消息。
type Deduplicator struct {
	client  redislib.UniversalClient
	breaker *CircuitBreaker
	lockTTL time.Duration
	doneTTL time.Duration

	// messageID -> token，Release 只删除本进程持有的锁
	tokens sync.Map
}

func NewDeduplicator(client redislib.UniversalClient, lockTTL time.Duration) *Deduplicator {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Deduplicator{
		client:  client,
		breaker: NewCircuitBreaker("dedup", 5, 30*time.Second),
		lockTTL: lockTTL,
		doneTTL: defaultDoneTTL,
	}
}

func lockKey(id string) string { return redis.Key(dedupPrefix, "lock", id) }
func doneKey(id string) string { return redis.Key(dedupPrefix, "done", id) }

// TryAcquire false 表示该消息正在处理或已处理过
func (d *Deduplicator) TryAcquire(ctx context.Context, messageID string) (bool, error) {
	token := uuid.NewString()
	acquired := false

	err := d.breaker.Call(ctx, func() error {
		done, err := d.client.Exists(ctx, doneKey(messageID)).Result()
		if err != nil {
			return err
		}
		if done > 0 {
			return nil
		}
		acquired, err = d.client.SetNX(ctx, lockKey(messageID), token, d.lockTTL).Result()
		return err
	})
	if err != nil {
		logger.Logger.Warn("Dedup unavailable, processing without lock",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return true, nil
	}

	if acquired {
		d.tokens.Store(messageID, token)
	}
	return acquired, nil
}

// Release 先写 done 标记再删锁，两步之间到达的重复消息仍会被锁挡住
func (d *Deduplicator) Release(ctx context.Context, messageID string) {
	v, ok := d.tokens.LoadAndDelete(messageID)
	if !ok {
		return
	}
	token, _ := v.(string)

	err := d.breaker.Call(ctx, func() error {
		if err := d.client.Set(ctx, doneKey(messageID), "1", d.doneTTL).Err(); err != nil {
			return err
		}
		return unlockScript.Run(ctx, d.client, []string{lockKey(messageID)}, token).Err()
	})
	if err != nil {
		logger.Logger.Warn("Failed to release dedup lock",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// Abandon 处理失败时只删锁不写 done，允许重投后再处理
func (d *Deduplicator) Abandon(ctx context.Context, messageID string) {
	v, ok := d.tokens.LoadAndDelete(messageID)
	if !ok {
		return
	}
	token, _ := v.(string)

	err := d.breaker.Call(ctx, func() error {
		return unlockScript.Run(ctx, d.client, []string{lockKey(messageID)}, token).Err()
	})
	if err != nil {
		logger.Logger.Warn("Failed to abandon dedup lock",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}
