package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"SalesAgent/config"
	redisotel "SalesAgent/pkg/redis"
)

const defaultPrefix = "sa"

var (
	client *redis.Client
	once   sync.Once
	err    error

	prefixMu sync.RWMutex
	prefix   = defaultPrefix
)

func Init(cfg config.Config) error {
	once.Do(func() {
		SetPrefix(cfg.RedisPrefix)

		c := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MinIdleConns: 5,
			MaxRetries:   3,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err = c.Ping(ctx).Err(); err != nil {
			return
		}

		if cfg.OTelEnabled {
			redisotel.InstrumentRedisClient(c, cfg.ServiceName, cfg.RedisDB)
		}
		client = c
	})

	return err
}

func Client() *redis.Client {
	if client == nil {
		panic("Redis client not init")
	}
	return client
}

func Close(ctx context.Context) error {
	if client == nil {
		return nil
	}

	return client.Close()
}

// SetPrefix 空值回落到默认前缀
func SetPrefix(p string) {
	prefixMu.Lock()
	defer prefixMu.Unlock()
	if p == "" {
		p = defaultPrefix
	}
	prefix = p
}

// Key 拼接带前缀的键：sa:dedup:<id>
func Key(parts ...string) string {
	prefixMu.RLock()
	p := prefix
	prefixMu.RUnlock()

	var sb strings.Builder
	sb.WriteString(p)
	for _, part := range parts {
		if part != "" {
			sb.WriteString(":")
			sb.WriteString(part)
		}
	}

	return sb.String()
}
