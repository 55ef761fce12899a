package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// 停发原因，同时写入 follow_ups.status_reason 和 leads.opt_out_reason
const (
	ReasonExplicitOptOut = "explicit_opt_out"
	ReasonShortNegative  = "short_negative"
	ReasonSoftRejection  = "soft_rejection"
	ReasonColdResponse   = "cold_response"
	ReasonColdPattern    = "cold_pattern"
)

const (
	coldWindow        = 3
	coldThreshold     = 2
	maxColdTokenRunes = 4
)

type Classification struct {
	IsOptOut       bool
	IsColdResponse bool
	Reason         string
	Confidence     Confidence
}

type StopDecision struct {
	Stop   bool
	Reason string
}

// OptOutClassifier 判断入站文本是否要求停止联系
type OptOutClassifier interface {
	Classify(text string) Classification
	HasColdPattern(recentInbound []string) bool
	ShouldStop(current string, recentInbound []string) StopDecision
	// IsOptIn 已退订的线索明确要求恢复联系
	IsOptIn(text string) bool
}

var explicitPhrases = []string{
	"stop",
	"unsubscribe",
	"opt out",
	"opt-out",
	"don't contact me",
	"do not contact me",
	"don't message me",
	"stop messaging me",
	"leave me alone",
	"remove me",
	"no me contactes",
	"no me contacten",
	"no me escribas",
	"no me escriban",
	"no me molestes",
	"deja de escribirme",
	"darme de baja",
	"dame de baja",
	"denme de baja",
	"cancelar suscripción",
}

// optInKeywords 整条消息匹配，避免普通对话误恢复
var optInKeywords = map[string]struct{}{
	"start":       {},
	"unstop":      {},
	"subscribe":   {},
	"resume":      {},
	"opt in":      {},
	"opt-in":      {},
	"reanudar":    {},
	"reactivar":   {},
	"suscribirme": {},
}

var shortNegatives = map[string]struct{}{
	"no":            {},
	"nope":          {},
	"nah":           {},
	"nel":           {},
	"no thanks":     {},
	"no thank you":  {},
	"no gracias":    {},
	"no, gracias":   {},
	"no, thanks":    {},
	"para nada":     {},
	"👎":             {},
	"🙅":             {},
	"🙅‍♂️":           {},
	"🙅‍♀️":           {},
}

var softRejections = []string{
	"not right now",
	"not interested",
	"i'm not interested",
	"i already have one",
	"already have one",
	"we already have",
	"no me interesa",
	"ya tengo uno",
	"ya tengo una",
	"ya tenemos",
	"ahorita no",
	"por ahora no",
	"no por ahora",
}

var coldTokens = map[string]struct{}{
	"ok":  {},
	"k":   {},
	"kk":  {},
	"okk": {},
	"mm":  {},
	"mmm": {},
	"hmm": {},
	"ah":  {},
	"oh":  {},
	"aja": {},
	"ajá": {},
	".":   {},
	"..":  {},
	"...": {},
	"👍":   {},
	"👌":   {},
	"🙂":   {},
}

// KeywordClassifier 基于关键词分层匹配，无状态
type KeywordClassifier struct {
	explicit []*regexp.Regexp
}

func NewKeywordClassifier() *KeywordClassifier {
	c := &KeywordClassifier{explicit: make([]*regexp.Regexp, 0, len(explicitPhrases))}
	for _, p := range explicitPhrases {
		// 词边界按 Unicode 字母数字判断，RE2 的 \b 只认 ASCII
		c.explicit = append(c.explicit, regexp.MustCompile(`(?:^|[^\p{L}\p{N}])`+regexp.QuoteMeta(p)+`(?:$|[^\p{L}\p{N}])`))
	}
	return c
}

func normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.ReplaceAll(t, "’", "'")
	return strings.Join(strings.Fields(t), " ")
}

func trimPunct(t string) string {
	return strings.TrimRight(strings.TrimLeft(t, "¡¿"), "!?.,;")
}

func (c *KeywordClassifier) Classify(text string) Classification {
	t := normalize(text)
	if t == "" {
		return Classification{}
	}

	for _, re := range c.explicit {
		if re.MatchString(t) {
			return Classification{IsOptOut: true, Reason: ReasonExplicitOptOut, Confidence: ConfidenceHigh}
		}
	}

	if _, ok := shortNegatives[trimPunct(t)]; ok {
		return Classification{IsOptOut: true, Reason: ReasonShortNegative, Confidence: ConfidenceHigh}
	}

	for _, s := range softRejections {
		if strings.Contains(t, s) {
			return Classification{IsOptOut: true, Reason: ReasonSoftRejection, Confidence: ConfidenceMedium}
		}
	}

	if utf8.RuneCountInString(t) <= maxColdTokenRunes {
		if _, ok := coldTokens[t]; ok {
			return Classification{IsColdResponse: true, Reason: ReasonColdResponse, Confidence: ConfidenceLow}
		}
		if _, ok := coldTokens[trimPunct(t)]; ok {
			return Classification{IsColdResponse: true, Reason: ReasonColdResponse, Confidence: ConfidenceLow}
		}
	}

	return Classification{}
}

func (c *KeywordClassifier) HasColdPattern(recentInbound []string) bool {
	msgs := recentInbound
	if len(msgs) > coldWindow {
		msgs = msgs[len(msgs)-coldWindow:]
	}
	cold := 0
	for _, m := range msgs {
		if c.Classify(m).IsColdResponse {
			cold++
		}
	}
	return cold >= coldThreshold
}

// ShouldStop 单条冷淡回复不会停发，只有显式拒绝或连续冷淡才停
func (c *KeywordClassifier) ShouldStop(current string, recentInbound []string) StopDecision {
	if cl := c.Classify(current); cl.IsOptOut {
		return StopDecision{Stop: true, Reason: cl.Reason}
	}
	if c.HasColdPattern(recentInbound) {
		return StopDecision{Stop: true, Reason: ReasonColdPattern}
	}
	return StopDecision{}
}

func (c *KeywordClassifier) IsOptIn(text string) bool {
	_, ok := optInKeywords[trimPunct(normalize(text))]
	return ok
}
