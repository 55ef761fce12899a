package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"

	"SalesAgent/storage/redis"
)

// SlidingWindow ZSET 滑动窗口计数：score 为纳秒时间戳
type SlidingWindow struct {
	client redislib.UniversalClient
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

func NewSlidingWindow(client redislib.UniversalClient, prefix string, window time.Duration, max int) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		prefix: prefix,
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// Allow 记录一次请求并返回窗口内计数，计数包含本次
func (w *SlidingWindow) Allow(ctx context.Context, id string) (bool, int, error) {
	key := redis.Key(w.prefix, id)
	now := w.now()
	windowStart := now.Add(-w.window)

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redislib.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, w.window+10*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("sliding window %s: %w", w.prefix, err)
	}

	count := int(card.Val())
	return count <= w.max, count, nil
}
