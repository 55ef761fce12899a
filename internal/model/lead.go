package model

import "time"

type LeadStage string

const (
	StageNew           LeadStage = "new"
	StageEngaged       LeadStage = "engaged"
	StageQualified     LeadStage = "qualified"
	StageDemoScheduled LeadStage = "demo_scheduled"
	StageDemoCompleted LeadStage = "demo_completed"
	StageWon           LeadStage = "won"
	StageLost          LeadStage = "lost"
)

// ActiveStages 尚未进入预约或关单的阶段
func ActiveStages() []LeadStage {
	return []LeadStage{StageNew, StageEngaged, StageQualified}
}

// Lead 由外部 CRM 维护，这里只落地投递和对话需要的字段
type Lead struct {
	BaseModel
	Phone              string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"phone"`
	Name               string     `gorm:"type:varchar(120)" json:"name"`
	BusinessName       string     `gorm:"type:varchar(160)" json:"business_name"`
	Industry           string     `gorm:"type:varchar(60)" json:"industry"`
	Stage              LeadStage  `gorm:"type:varchar(30);not null;index" json:"stage"`
	OptedOut           bool       `gorm:"not null;index" json:"opted_out"`
	OptedOutAt         *time.Time `json:"opted_out_at,omitempty"`
	OptOutReason       string     `gorm:"type:varchar(64)" json:"opt_out_reason,omitempty"`
	// FollowUpsStoppedAt 连续冷淡回复后停发培育类跟进；线索仍可对话，预约提醒照常
	FollowUpsStoppedAt *time.Time `gorm:"index" json:"follow_ups_stopped_at,omitempty"`
	Email              string     `gorm:"type:varchar(160)" json:"email,omitempty"`
	LastTopic          string     `gorm:"type:text" json:"last_topic,omitempty"`
	LastInboundAt      *time.Time `gorm:"index" json:"last_inbound_at,omitempty"`
	LastOutboundAt     *time.Time `json:"last_outbound_at,omitempty"`
}

func (Lead) TableName() string {
	return "leads"
}

func (l *Lead) FollowUpsStopped() bool {
	return l != nil && l.FollowUpsStoppedAt != nil
}

// DisplayName 模板里的称呼，缺失时为空
func (l *Lead) DisplayName() string {
	if l == nil {
		return ""
	}
	return l.Name
}
