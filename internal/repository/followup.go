package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
)

// FollowUpRepository 跟进消息的持久化。
// 所有状态写入都带 status = 'pending' 条件，终态行不会被再次修改；
// 单行写入返回 false 表示该行已不是 pending（并发取消或重复投递），不是错误。
type FollowUpRepository interface {
	Create(ctx context.Context, f *model.FollowUp) error
	Get(ctx context.Context, id int64) (*model.FollowUp, error)
	ListByLead(ctx context.Context, leadID int64) ([]model.FollowUp, error)
	DueItems(ctx context.Context, before time.Time, limit int) ([]model.FollowUp, error)

	CancelPending(ctx context.Context, leadID int64, types []model.FollowUpType, reason string) (int64, error)
	CancelPendingForAppointment(ctx context.Context, appointmentID int64, reason string) (int64, error)
	// MarkPendingOptedOut 不传类型时作用于全部 pending 记录
	MarkPendingOptedOut(ctx context.Context, leadID int64, reason string, types ...model.FollowUpType) (int64, error)

	MarkSent(ctx context.Context, id int64, sentAt time.Time, metadata datatypes.JSONMap) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
	MarkOptedOut(ctx context.Context, id int64, reason string) (bool, error)
	MarkCancelled(ctx context.Context, id int64, reason string) (bool, error)
	Reschedule(ctx context.Context, id int64, scheduledFor time.Time, metadata datatypes.JSONMap) (bool, error)

	HasSentSince(ctx context.Context, leadID int64, since time.Time) (bool, error)
}

type followUpRepository struct {
	db *gorm.DB
}

func NewFollowUpRepository(db *gorm.DB) FollowUpRepository {
	return &followUpRepository{db: db}
}

func (r *followUpRepository) Create(ctx context.Context, f *model.FollowUp) error {
	if f.Status == "" {
		f.Status = model.FollowUpPending
	}
	if f.Attempt == 0 {
		f.Attempt = 1
	}
	f.ScheduledFor = f.ScheduledFor.UTC()

	if err := r.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("create follow-up: %w", err)
	}
	return nil
}

func (r *followUpRepository) Get(ctx context.Context, id int64) (*model.FollowUp, error) {
	var f model.FollowUp
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&f).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrFollowUpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get follow-up %d: %w", id, err)
	}
	return &f, nil
}

func (r *followUpRepository) ListByLead(ctx context.Context, leadID int64) ([]model.FollowUp, error) {
	var items []model.FollowUp
	err := r.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("scheduled_for ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list follow-ups for lead %d: %w", leadID, err)
	}
	return items, nil
}

func (r *followUpRepository) DueItems(ctx context.Context, before time.Time, limit int) ([]model.FollowUp, error) {
	var items []model.FollowUp
	q := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", model.FollowUpPending, before.UTC()).
		Order("scheduled_for ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("query due follow-ups: %w", err)
	}
	return items, nil
}

func (r *followUpRepository) pending(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.FollowUp{}).Where("status = ?", model.FollowUpPending)
}

func (r *followUpRepository) CancelPending(ctx context.Context, leadID int64, types []model.FollowUpType, reason string) (int64, error) {
	q := r.pending(ctx).Where("lead_id = ?", leadID)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	res := q.Updates(map[string]any{
		"status":        model.FollowUpCancelled,
		"status_reason": reason,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel follow-ups for lead %d: %w", leadID, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *followUpRepository) CancelPendingForAppointment(ctx context.Context, appointmentID int64, reason string) (int64, error) {
	res := r.pending(ctx).Where("appointment_id = ?", appointmentID).Updates(map[string]any{
		"status":        model.FollowUpCancelled,
		"status_reason": reason,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel follow-ups for appointment %d: %w", appointmentID, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *followUpRepository) MarkPendingOptedOut(ctx context.Context, leadID int64, reason string, types ...model.FollowUpType) (int64, error) {
	q := r.pending(ctx).Where("lead_id = ?", leadID)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	res := q.Updates(map[string]any{
		"status":        model.FollowUpOptedOut,
		"status_reason": reason,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return 0, fmt.Errorf("opt out follow-ups for lead %d: %w", leadID, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *followUpRepository) transition(ctx context.Context, id int64, updates map[string]any) (bool, error) {
	updates["updated_at"] = time.Now().UTC()
	res := r.pending(ctx).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update follow-up %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *followUpRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time, metadata datatypes.JSONMap) (bool, error) {
	updates := map[string]any{
		"status": model.FollowUpSent,
	}
	// 零值表示未真正发出（阶段不符被跳过），不计入频控窗口
	if !sentAt.IsZero() {
		updates["sent_at"] = sentAt.UTC()
	}
	if metadata != nil {
		updates["metadata"] = metadata
	}
	return r.transition(ctx, id, updates)
}

func (r *followUpRepository) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return r.transition(ctx, id, map[string]any{
		"status":        model.FollowUpFailed,
		"status_reason": reason,
	})
}

func (r *followUpRepository) MarkOptedOut(ctx context.Context, id int64, reason string) (bool, error) {
	return r.transition(ctx, id, map[string]any{
		"status":        model.FollowUpOptedOut,
		"status_reason": reason,
	})
}

func (r *followUpRepository) MarkCancelled(ctx context.Context, id int64, reason string) (bool, error) {
	return r.transition(ctx, id, map[string]any{
		"status":        model.FollowUpCancelled,
		"status_reason": reason,
	})
}

// Reschedule 频控延期：唯一会修改 scheduled_for 的路径
func (r *followUpRepository) Reschedule(ctx context.Context, id int64, scheduledFor time.Time, metadata datatypes.JSONMap) (bool, error) {
	updates := map[string]any{
		"scheduled_for": scheduledFor.UTC(),
	}
	if metadata != nil {
		updates["metadata"] = metadata
	}
	return r.transition(ctx, id, updates)
}

func (r *followUpRepository) HasSentSince(ctx context.Context, leadID int64, since time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.FollowUp{}).
		Where("lead_id = ? AND status = ? AND sent_at >= ?", leadID, model.FollowUpSent, since.UTC()).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count sent follow-ups for lead %d: %w", leadID, err)
	}
	return count > 0, nil
}
