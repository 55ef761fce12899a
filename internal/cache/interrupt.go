package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"SalesAgent/internal/model"
	"SalesAgent/storage/redis"
	"SalesAgent/utils"
)

const (
	interruptPrefix = "interrupt"
	InterruptTTL    = 24 * time.Hour
)

// InterruptStore 每个手机号最多一条 slot 追问和一条 plan 追问，新写入覆盖旧的
type InterruptStore struct {
	client redislib.UniversalClient
	ttl    time.Duration
}

func NewInterruptStore(client redislib.UniversalClient) *InterruptStore {
	return &InterruptStore{client: client, ttl: InterruptTTL}
}

func interruptKey(kind model.InterruptKind, phone string) string {
	return redis.Key(interruptPrefix, string(kind), utils.PhoneKey(phone))
}

func (s *InterruptStore) Set(ctx context.Context, phone string, p model.PendingInterrupt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal interrupt: %w", err)
	}
	if err := s.client.Set(ctx, interruptKey(p.Kind, phone), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s interrupt: %w", p.Kind, err)
	}
	return nil
}

// Get 不存在时返回 nil, nil
func (s *InterruptStore) Get(ctx context.Context, phone string, kind model.InterruptKind) (*model.PendingInterrupt, error) {
	data, err := s.client.Get(ctx, interruptKey(kind, phone)).Bytes()
	if stderrors.Is(err, redislib.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s interrupt: %w", kind, err)
	}

	var p model.PendingInterrupt
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s interrupt: %w", kind, err)
	}
	p.Kind = kind
	return &p, nil
}

func (s *InterruptStore) Clear(ctx context.Context, phone string, kind model.InterruptKind) error {
	if err := s.client.Del(ctx, interruptKey(kind, phone)).Err(); err != nil {
		return fmt.Errorf("clear %s interrupt: %w", kind, err)
	}
	return nil
}
