package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"SalesAgent/utils"
)

const (
	SlotIDPrefix  = "slot_"
	MoreSlotsID   = "slots_more"
	maxSearchDays = 21
)

type Slot struct {
	Start time.Time
	End   time.Time
}

// ID 交互列表的行 id，webhook 回传后用 ParseSlotID 还原
func (s Slot) ID() string {
	return SlotIDPrefix + strconv.FormatInt(s.Start.Unix(), 10)
}

func (s Slot) Display(loc *time.Location) string {
	return FormatSlot(s.Start, loc)
}

func FormatSlot(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon Jan 2, 15:04")
}

func ParseSlotID(id string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(id, SlotIDPrefix)
	if !ok {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

// MoreSlotsIDFor 分页按钮 id：slots_more_<offset>
func MoreSlotsIDFor(offset int) string {
	return fmt.Sprintf("%s_%d", MoreSlotsID, offset)
}

// ParseMoreSlotsID 返回下一页的 offset；不带 offset 视为从第二页开始
func ParseMoreSlotsID(id string, pageSize int) (int, bool) {
	if id == MoreSlotsID {
		return pageSize, true
	}
	raw, ok := strings.CutPrefix(id, MoreSlotsID+"_")
	if !ok {
		return 0, false
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}

type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) overlaps(s Slot) bool {
	return s.Start.Before(i.End) && i.Start.Before(s.End)
}

// Availability 工作日营业时间内按固定时长切片
type Availability struct {
	Location    *time.Location
	DayStart    string // HH:MM:SS
	DayEnd      string
	SlotMinutes int
	// MinNotice 距现在太近的时段不提供
	MinNotice time.Duration
}

func (a Availability) normalized() Availability {
	if a.Location == nil {
		a.Location = time.UTC
	}
	if a.SlotMinutes <= 0 {
		a.SlotMinutes = 30
	}
	if a.DayStart == "" {
		a.DayStart = "09:00:00"
	}
	if a.DayEnd == "" {
		a.DayEnd = "18:00:00"
	}
	if a.MinNotice <= 0 {
		a.MinNotice = 2 * time.Hour
	}
	return a
}

// Window 生成时段所需要查询忙闲的时间范围
func (a Availability) Window(from time.Time) (time.Time, time.Time) {
	return from, from.Add(maxSearchDays * 24 * time.Hour)
}

// GenerateSlots 从 from 开始跳过 offset 个可用时段，返回至多 count 个
func (a Availability) GenerateSlots(from time.Time, offset, count int, busy []Interval) ([]Slot, error) {
	a = a.normalized()
	if count <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}

	earliest := from.Add(a.MinNotice)
	step := time.Duration(a.SlotMinutes) * time.Minute
	day := time.Date(from.In(a.Location).Year(), from.In(a.Location).Month(), from.In(a.Location).Day(), 0, 0, 0, 0, a.Location)

	slots := make([]Slot, 0, count)
	skipped := 0
	for d := 0; d < maxSearchDays && len(slots) < count; d++ {
		date := day.AddDate(0, 0, d)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		open, err := utils.ParseTime(a.DayStart, date)
		if err != nil {
			return nil, fmt.Errorf("parse business hours start: %w", err)
		}
		closing, err := utils.ParseTime(a.DayEnd, date)
		if err != nil {
			return nil, fmt.Errorf("parse business hours end: %w", err)
		}

		for start := open; !start.Add(step).After(closing) && len(slots) < count; start = start.Add(step) {
			if start.Before(earliest) {
				continue
			}
			s := Slot{Start: start.UTC(), End: start.Add(step).UTC()}
			if isBusy(s, busy) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			slots = append(slots, s)
		}
	}
	return slots, nil
}

func isBusy(s Slot, busy []Interval) bool {
	for _, b := range busy {
		if b.overlaps(s) {
			return true
		}
	}
	return false
}
