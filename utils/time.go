package utils

import (
	"time"
)

// ParseTime 解析时间字符串（格式：HH:MM:SS）并应用到指定日期
func ParseTime(timeStr string, date time.Time) (time.Time, error) {
	if timeStr == "" {
		return date, nil
	}

	parsedTime, err := time.Parse("15:04:05", timeStr)
	if err != nil {
		return date, err
	}

	return time.Date(
		date.Year(),
		date.Month(),
		date.Day(),
		parsedTime.Hour(),
		parsedTime.Minute(),
		parsedTime.Second(),
		0,
		date.Location(),
	), nil
}

// LaterOf 返回 anchor+delay，若已过去则从 now 起算
func LaterOf(anchor time.Time, delay time.Duration, now time.Time) time.Time {
	next := anchor.Add(delay)
	if next.Before(now) {
		return now.Add(delay)
	}
	return next
}
