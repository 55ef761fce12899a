package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type FollowUpType string

const (
	FollowUpDemoReminder24h      FollowUpType = "demo_reminder_24h"
	FollowUpDemoReminder1h       FollowUpType = "demo_reminder_1h"
	FollowUpPostDemo             FollowUpType = "post_demo"
	FollowUpNoShow               FollowUpType = "no_show"
	FollowUpColdLeadReengagement FollowUpType = "cold_lead_reengagement"
	FollowUpReengagement2        FollowUpType = "reengagement_2"
	FollowUpReengagement3        FollowUpType = "reengagement_3"
	FollowUpLater                FollowUpType = "later_followup"
)

// MaxReengagementAttempts 再激活序列的最大轮次
const MaxReengagementAttempts = 3

// IsTimeCritical 锚定在真实日程上的类型，不受 24h 频控限制
func (t FollowUpType) IsTimeCritical() bool {
	switch t {
	case FollowUpDemoReminder24h, FollowUpDemoReminder1h, FollowUpPostDemo, FollowUpNoShow:
		return true
	}
	return false
}

func (t FollowUpType) IsReengagement() bool {
	switch t {
	case FollowUpColdLeadReengagement, FollowUpReengagement2, FollowUpReengagement3:
		return true
	}
	return false
}

func (t FollowUpType) Valid() bool {
	return t.IsTimeCritical() || t.IsReengagement() || t == FollowUpLater
}

// ReengagementType 轮次 -> 类型
func ReengagementType(attempt int) (FollowUpType, bool) {
	switch attempt {
	case 1:
		return FollowUpColdLeadReengagement, true
	case 2:
		return FollowUpReengagement2, true
	case 3:
		return FollowUpReengagement3, true
	}
	return "", false
}

// ReengagementDelay 上一轮发送后到下一轮的间隔
func ReengagementDelay(nextAttempt int) time.Duration {
	switch nextAttempt {
	case 2:
		return 60 * time.Hour
	case 3:
		return 96 * time.Hour
	}
	return 0
}

// SupersededByInbound 用户重新活跃后应取消的类型
func SupersededByInbound() []FollowUpType {
	return NurtureTypes()
}

// NurtureTypes 非时效类跟进，冷淡停发只作用于这些
func NurtureTypes() []FollowUpType {
	return []FollowUpType{
		FollowUpColdLeadReengagement,
		FollowUpReengagement2,
		FollowUpReengagement3,
		FollowUpLater,
	}
}

type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCancelled FollowUpStatus = "cancelled"
	FollowUpFailed    FollowUpStatus = "failed"
	FollowUpOptedOut  FollowUpStatus = "opted_out"
)

func (s FollowUpStatus) IsTerminal() bool {
	return s != FollowUpPending
}

// FollowUp 一条预先生成好文案的延迟外呼消息
type FollowUp struct {
	BaseModel
	LeadID        int64             `gorm:"not null;index:idx_follow_ups_lead_status,priority:1" json:"lead_id,string"`
	AppointmentID *int64            `gorm:"index" json:"appointment_id,string,omitempty"`
	Type          FollowUpType      `gorm:"type:varchar(40);not null" json:"type"`
	ScheduledFor  time.Time         `gorm:"not null;index:idx_follow_ups_status_due,priority:2" json:"scheduled_for"`
	Message       string            `gorm:"type:text;not null" json:"message"`
	Status        FollowUpStatus    `gorm:"type:varchar(20);not null;index:idx_follow_ups_lead_status,priority:2;index:idx_follow_ups_status_due,priority:1" json:"status"`
	Attempt       int               `gorm:"not null" json:"attempt"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	StatusReason  string            `gorm:"type:varchar(64)" json:"status_reason,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
}

func (FollowUp) TableName() string {
	return "follow_ups"
}

// RescheduleCount 读取元数据中的延期次数
func (f *FollowUp) RescheduleCount() int {
	if f.Metadata == nil {
		return 0
	}
	switch v := f.Metadata["reschedule_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		// JSONMap 从库里读出的数字是 json.Number
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return 0
}
