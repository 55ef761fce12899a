package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
)

type LeadRepository interface {
	Get(ctx context.Context, id int64) (*model.Lead, error)
	GetByPhone(ctx context.Context, phone string) (*model.Lead, error)
	FindOrCreateByPhone(ctx context.Context, phone, name string) (*model.Lead, error)
	Create(ctx context.Context, lead *model.Lead) error

	SetOptedOut(ctx context.Context, id int64, reason string, at time.Time) error
	ClearOptOut(ctx context.Context, id int64) error
	// SetFollowUpsStopped nil 表示恢复
	SetFollowUpsStopped(ctx context.Context, id int64, at *time.Time) error
	UpdateStage(ctx context.Context, id int64, stage model.LeadStage) error
	UpdateIndustry(ctx context.Context, id int64, industry string) error
	UpdateEmail(ctx context.Context, id int64, email string) error
	UpdateTopic(ctx context.Context, id int64, topic string) error
	TouchInbound(ctx context.Context, id int64, at time.Time) error
	TouchOutbound(ctx context.Context, id int64, at time.Time) error

	// ListColdLeads 沉默超过阈值、仍处活跃阶段、本轮沉默内尚未进入再激活序列的线索。
	// 最近一次回复之前的序列记录不影响重新选中
	ListColdLeads(ctx context.Context, silentSince time.Time, limit int) ([]model.Lead, error)
}

type leadRepository struct {
	db *gorm.DB
}

func NewLeadRepository(db *gorm.DB) LeadRepository {
	return &leadRepository{db: db}
}

func (r *leadRepository) Get(ctx context.Context, id int64) (*model.Lead, error) {
	var lead model.Lead
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&lead).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %d: %w", id, err)
	}
	return &lead, nil
}

func (r *leadRepository) GetByPhone(ctx context.Context, phone string) (*model.Lead, error) {
	var lead model.Lead
	err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&lead).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead by phone: %w", err)
	}
	return &lead, nil
}

func (r *leadRepository) Create(ctx context.Context, lead *model.Lead) error {
	if lead.Stage == "" {
		lead.Stage = model.StageNew
	}
	if err := r.db.WithContext(ctx).Create(lead).Error; err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// FindOrCreateByPhone 并发首条消息可能同时插入，冲突时回读
func (r *leadRepository) FindOrCreateByPhone(ctx context.Context, phone, name string) (*model.Lead, error) {
	lead, err := r.GetByPhone(ctx, phone)
	if err == nil {
		return lead, nil
	}
	if !stderrors.Is(err, errors.ErrLeadNotFound) {
		return nil, err
	}

	lead = &model.Lead{Phone: phone, Name: name, Stage: model.StageNew}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}},
		DoNothing: true,
	}).Create(lead)
	if res.Error != nil {
		return nil, fmt.Errorf("create lead: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.GetByPhone(ctx, phone)
	}
	return lead, nil
}

func (r *leadRepository) update(ctx context.Context, id int64, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.Lead{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update lead %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrLeadNotFound
	}
	return nil
}

func (r *leadRepository) SetOptedOut(ctx context.Context, id int64, reason string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"opted_out":      true,
		"opted_out_at":   at.UTC(),
		"opt_out_reason": reason,
	})
}

func (r *leadRepository) ClearOptOut(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]any{
		"opted_out":             false,
		"opted_out_at":          nil,
		"opt_out_reason":        "",
		"follow_ups_stopped_at": nil,
	})
}

func (r *leadRepository) SetFollowUpsStopped(ctx context.Context, id int64, at *time.Time) error {
	var v any
	if at != nil {
		v = at.UTC()
	}
	return r.update(ctx, id, map[string]any{"follow_ups_stopped_at": v})
}

func (r *leadRepository) UpdateStage(ctx context.Context, id int64, stage model.LeadStage) error {
	return r.update(ctx, id, map[string]any{"stage": stage})
}

func (r *leadRepository) UpdateIndustry(ctx context.Context, id int64, industry string) error {
	return r.update(ctx, id, map[string]any{"industry": industry})
}

func (r *leadRepository) UpdateEmail(ctx context.Context, id int64, email string) error {
	return r.update(ctx, id, map[string]any{"email": email})
}

func (r *leadRepository) UpdateTopic(ctx context.Context, id int64, topic string) error {
	return r.update(ctx, id, map[string]any{"last_topic": topic})
}

func (r *leadRepository) TouchInbound(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, id, map[string]any{"last_inbound_at": at.UTC()})
}

func (r *leadRepository) TouchOutbound(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, id, map[string]any{"last_outbound_at": at.UTC()})
}

func (r *leadRepository) ListColdLeads(ctx context.Context, silentSince time.Time, limit int) ([]model.Lead, error) {
	types := []model.FollowUpType{
		model.FollowUpColdLeadReengagement,
		model.FollowUpReengagement2,
		model.FollowUpReengagement3,
	}
	sequence := r.db.Model(&model.FollowUp{}).
		Select("1").
		Where("follow_ups.lead_id = leads.id AND follow_ups.type IN ?", types).
		Where("(follow_ups.status = ? OR (follow_ups.status IN ? AND follow_ups.scheduled_for >= leads.last_inbound_at))",
			model.FollowUpPending, []model.FollowUpStatus{model.FollowUpSent, model.FollowUpFailed})

	var leads []model.Lead
	q := r.db.WithContext(ctx).
		Where("opted_out = ?", false).
		Where("follow_ups_stopped_at IS NULL").
		Where("stage IN ?", model.ActiveStages()).
		Where("last_inbound_at IS NOT NULL AND last_inbound_at < ?", silentSince.UTC()).
		Where("NOT EXISTS (?)", sequence).
		Order("last_inbound_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&leads).Error; err != nil {
		return nil, fmt.Errorf("list cold leads: %w", err)
	}
	return leads, nil
}
