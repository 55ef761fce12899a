package model

import "time"

type AppointmentStatus string

const (
	AppointmentScheduled   AppointmentStatus = "scheduled"
	AppointmentCompleted   AppointmentStatus = "completed"
	AppointmentNoShow      AppointmentStatus = "no_show"
	AppointmentCancelled   AppointmentStatus = "cancelled"
	AppointmentRescheduled AppointmentStatus = "rescheduled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentCompleted, AppointmentNoShow, AppointmentCancelled, AppointmentRescheduled:
		return true
	}
	return false
}

type Appointment struct {
	BaseModel
	LeadID     int64             `gorm:"not null;index" json:"lead_id,string"`
	EventID    string            `gorm:"type:varchar(128)" json:"event_id"`
	MeetingURL string            `gorm:"type:varchar(512)" json:"meeting_url"`
	StartsAt   time.Time         `gorm:"not null;index" json:"starts_at"`
	Email      string            `gorm:"type:varchar(160)" json:"email"`
	Status     AppointmentStatus `gorm:"type:varchar(20);not null" json:"status"`
}

func (Appointment) TableName() string {
	return "appointments"
}
