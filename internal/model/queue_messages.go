package model

import (
	"strconv"
	"time"
)

// TaskKind 后台任务种类
type TaskKind string

const (
	TaskRecordMessage     TaskKind = "record_message"
	TaskFollowUpSent      TaskKind = "followup_sent"
	TaskAppointmentBooked TaskKind = "appointment_booked"
	TaskUpdateIndustry    TaskKind = "update_industry"
	TaskScheduleLater     TaskKind = "schedule_later"
)

// BackgroundTask 不阻塞用户响应的副作用，至少一次、尽力而为
type BackgroundTask struct {
	TaskID      string         `json:"task_id"`
	Kind        TaskKind       `json:"kind"`
	LeadID      int64          `json:"lead_id,string"`
	Payload     map[string]any `json:"payload,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// PayloadString 读取字符串参数
func (t BackgroundTask) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	if v, ok := t.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt64 读取整数参数，兼容 JSON 反序列化后的 float64 与字符串。
// snowflake id 超出 float64 精度，提交时应使用字符串
func (t BackgroundTask) PayloadInt64(key string) int64 {
	if t.Payload == nil {
		return 0
	}
	switch v := t.Payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
