package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"SalesAgent/internal/model"
)

type ConversationRepository interface {
	Append(ctx context.Context, msg *model.ConversationMessage) error
	// Recent 按时间正序返回最近 limit 轮
	Recent(ctx context.Context, leadID int64, limit int) ([]model.ConversationMessage, error)
	// RecentInbound 按时间正序返回最近 limit 条入站文本
	RecentInbound(ctx context.Context, leadID int64, limit int) ([]string, error)
}

type conversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Append(ctx context.Context, msg *model.ConversationMessage) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.SentAt = msg.SentAt.UTC()
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("append conversation message: %w", err)
	}
	return nil
}

func (r *conversationRepository) recent(ctx context.Context, leadID int64, limit int, direction model.Direction) ([]model.ConversationMessage, error) {
	var msgs []model.ConversationMessage
	q := r.db.WithContext(ctx).Where("lead_id = ?", leadID)
	if direction != "" {
		q = q.Where("direction = ?", direction)
	}
	err := q.Order("sent_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("query conversation for lead %d: %w", leadID, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *conversationRepository) Recent(ctx context.Context, leadID int64, limit int) ([]model.ConversationMessage, error) {
	return r.recent(ctx, leadID, limit, "")
}

func (r *conversationRepository) RecentInbound(ctx context.Context, leadID int64, limit int) ([]string, error) {
	msgs, err := r.recent(ctx, leadID, limit, model.DirectionInbound)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out, nil
}
