package utils

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// NormalizePhone 把 WhatsApp 的 wa_id（不带 +）或任意写法的号码转换成 E.164。
// 无法解析时返回去掉空白后的原值，保证同一发送方始终得到同一个 key。
func NormalizePhone(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	candidate := trimmed
	if !strings.HasPrefix(candidate, "+") {
		candidate = "+" + candidate
	}

	num, err := phonenumbers.Parse(candidate, "")
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return trimmed
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// ExtractEmail 返回文本中第一个邮箱地址
func ExtractEmail(text string) (string, bool) {
	m := emailPattern.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToLower(m), true
}
