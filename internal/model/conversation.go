package model

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ConversationMessage 对话历史中的一轮
type ConversationMessage struct {
	BaseModel
	LeadID       int64     `gorm:"not null;index:idx_conv_lead_created,priority:1" json:"lead_id,string"`
	Direction    Direction `gorm:"type:varchar(10);not null" json:"direction"`
	Content      string    `gorm:"type:text" json:"content"`
	MessageID    string    `gorm:"type:varchar(128);index" json:"message_id,omitempty"`
	Flow         string    `gorm:"type:varchar(40)" json:"flow,omitempty"`
	FollowUpType string    `gorm:"type:varchar(40)" json:"follow_up_type,omitempty"`
	TokensUsed   int       `json:"tokens_used,omitempty"`
	SentAt       time.Time `gorm:"not null;index:idx_conv_lead_created,priority:2" json:"sent_at"`
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}

// InboundMessage 从渠道 payload 归一化后的入站消息
type InboundMessage struct {
	MessageID        string    `json:"message_id"`
	Phone            string    `json:"phone"`
	Name             string    `json:"name,omitempty"`
	Text             string    `json:"text"`
	InteractiveID    string    `json:"interactive_id,omitempty"`
	InteractiveTitle string    `json:"interactive_title,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Body 返回用于分类和记录的文本：交互消息取按钮标题
func (m InboundMessage) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.InteractiveTitle
}

// 入站处理的状态标记，webhook 原样返回
const (
	InboundOK          = "ok"
	InboundDuplicate   = "duplicate"
	InboundRateLimited = "rate_limited"
	InboundAgentError  = "agent_error"
	InboundOptedOut    = "opted_out"
	InboundOptedIn     = "opted_in"
)
