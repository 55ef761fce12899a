package service

import (
	"fmt"
	"strings"
	"time"

	"SalesAgent/internal/model"
)

// LeadContext 生成文案所需的线索信息，缺失字段走通用模板
type LeadContext struct {
	Name          string
	BusinessName  string
	Industry      string
	LastTopic     string
	AppointmentAt time.Time
	MeetingURL    string
}

func LeadContextFrom(lead *model.Lead) LeadContext {
	if lead == nil {
		return LeadContext{}
	}
	return LeadContext{
		Name:         lead.Name,
		BusinessName: lead.BusinessName,
		Industry:     lead.Industry,
		LastTopic:    lead.LastTopic,
	}
}

func (lc LeadContext) WithAppointment(appt *model.Appointment) LeadContext {
	if appt != nil {
		lc.AppointmentAt = appt.StartsAt
		lc.MeetingURL = appt.MeetingURL
	}
	return lc
}

// 行业价值主张，再激活第一轮使用
var industryValue = map[string]string{
	"restaurant":  "take reservations and answer menu questions on WhatsApp while your team focuses on the kitchen",
	"dental":      "confirm appointments and fill last-minute cancellations automatically",
	"clinic":      "confirm appointments and answer patient questions around the clock",
	"salon":       "book appointments 24/7 without anyone picking up the phone",
	"gym":         "answer membership questions and book trial classes instantly",
	"retail":      "answer stock and price questions the moment customers ask",
	"real_estate": "qualify buyers and schedule viewings while you are out showing properties",
	"education":   "answer enrollment questions and book info sessions automatically",
}

// 行业案例，再激活第二轮使用
var industryProof = map[string]string{
	"restaurant":  "A taquería we work with now handles 70% of its reservations on WhatsApp without staff involvement.",
	"dental":      "A dental clinic in Guadalajara cut no-shows by 35% in its first month with automatic confirmations.",
	"clinic":      "A clinic we work with now answers patients in under a minute, even on weekends.",
	"salon":       "A salon in CDMX added 40 bookings a month that used to arrive after closing time.",
	"gym":         "A gym in Monterrey doubled trial-class signups by replying instantly to every inquiry.",
	"retail":      "A boutique we work with recovered 1 in 5 abandoned inquiries with instant answers.",
	"real_estate": "A real estate team now books viewings within 5 minutes of every inquiry.",
	"education":   "A language school filled its spring cohort two weeks early with automated follow-ups.",
}

const genericProof = "Businesses like yours typically answer 3x more customers once replies stop depending on someone being at the phone."

// Composer 生成跟进文案，确定性且不会失败
type Composer struct {
	loc *time.Location
}

func NewComposer(loc *time.Location) *Composer {
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{loc: loc}
}

func greeting(lc LeadContext) string {
	if name := strings.TrimSpace(lc.Name); name != "" {
		return "Hi " + name + ","
	}
	return "Hi there,"
}

func businessOr(lc LeadContext, fallback string) string {
	if b := strings.TrimSpace(lc.BusinessName); b != "" {
		return b
	}
	return fallback
}

func industryKey(industry string) string {
	k := strings.ToLower(strings.TrimSpace(industry))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

func (c *Composer) formatTime(t time.Time) string {
	return t.In(c.loc).Format("Monday Jan 2 at 15:04")
}

func (c *Composer) Compose(t model.FollowUpType, lc LeadContext, attempt int) string {
	switch t {
	case model.FollowUpColdLeadReengagement, model.FollowUpReengagement2, model.FollowUpReengagement3:
		if attempt <= 0 {
			attempt = reengagementAttempt(t)
		}
		return c.reengagement(lc, attempt)
	case model.FollowUpDemoReminder24h:
		return c.reminder(lc, "tomorrow")
	case model.FollowUpDemoReminder1h:
		return c.reminder(lc, "in one hour")
	case model.FollowUpPostDemo:
		return fmt.Sprintf("%s thanks for joining the demo! Any questions about getting %s set up? I can send the plans whenever you are ready.",
			greeting(lc), businessOr(lc, "your business"))
	case model.FollowUpNoShow:
		if lc.AppointmentAt.IsZero() {
			return greeting(lc) + " we missed you at the demo. Want to pick another time that works better?"
		}
		return fmt.Sprintf("%s we missed you at the demo on %s. Want to pick another time that works better?",
			greeting(lc), c.formatTime(lc.AppointmentAt))
	case model.FollowUpLater:
		return fmt.Sprintf("%s you asked me to check back. Is now a better time to talk about automating WhatsApp for %s?",
			greeting(lc), businessOr(lc, "your business"))
	}
	return greeting(lc) + " just checking in. Let me know if I can help with anything."
}

func reengagementAttempt(t model.FollowUpType) int {
	switch t {
	case model.FollowUpReengagement2:
		return 2
	case model.FollowUpReengagement3:
		return 3
	}
	return 1
}

func (c *Composer) reengagement(lc LeadContext, attempt int) string {
	switch attempt {
	case 1:
		if topic := strings.TrimSpace(lc.LastTopic); topic != "" {
			return fmt.Sprintf("%s last time we talked about %s. Want to pick it up where we left off?", greeting(lc), topic)
		}
		if v, ok := industryValue[industryKey(lc.Industry)]; ok {
			return fmt.Sprintf("%s quick idea for %s: we can help you %s. Would a 15-minute demo be useful?",
				greeting(lc), businessOr(lc, "your business"), v)
		}
		return greeting(lc) + " are you still looking for a way to answer your customers faster on WhatsApp? I can show you how in 15 minutes."
	case 2:
		proof, ok := industryProof[industryKey(lc.Industry)]
		if !ok {
			proof = genericProof
		}
		return fmt.Sprintf("%s %s Happy to show you how it would work for %s.", greeting(lc), proof, businessOr(lc, "you"))
	default:
		return fmt.Sprintf("%s this is my last message so I don't fill up your inbox. If automating WhatsApp for %s becomes a priority, this chat stays open. Wishing you a great week!",
			greeting(lc), businessOr(lc, "your business"))
	}
}

func (c *Composer) reminder(lc LeadContext, when string) string {
	var sb strings.Builder
	sb.WriteString(greeting(lc))
	sb.WriteString(" a reminder that your demo")
	if b := strings.TrimSpace(lc.BusinessName); b != "" {
		sb.WriteString(" for " + b)
	}
	sb.WriteString(" is " + when)
	if !lc.AppointmentAt.IsZero() {
		sb.WriteString(" (" + c.formatTime(lc.AppointmentAt) + ")")
	}
	sb.WriteString(".")
	if lc.MeetingURL != "" {
		sb.WriteString(" Join here: " + lc.MeetingURL)
	}
	return sb.String()
}
