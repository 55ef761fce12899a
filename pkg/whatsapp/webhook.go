package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"SalesAgent/internal/model"
	"SalesAgent/utils"
)

// WebhookPayload Cloud API 回调的最小子集
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	Contacts []Contact `json:"contacts"`
	Messages []Message `json:"messages"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *TextPart    `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Button      *ButtonPart  `json:"button,omitempty"`
}

type TextPart struct {
	Body string `json:"body"`
}

type Interactive struct {
	Type        string     `json:"type"`
	ListReply   *ReplyPart `json:"list_reply,omitempty"`
	ButtonReply *ReplyPart `json:"button_reply,omitempty"`
}

type ReplyPart struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ButtonPart 模板消息上的快捷回复按钮
type ButtonPart struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// ParseWebhook 非 JSON 返回 error；字段缺失的消息照样返回，由业务层判定为畸形
func ParseWebhook(body []byte) ([]model.InboundMessage, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	var out []model.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				out = append(out, normalize(m, names[m.From]))
			}
		}
	}
	return out, nil
}

func normalize(m Message, name string) model.InboundMessage {
	msg := model.InboundMessage{
		MessageID: m.ID,
		Name:      name,
		Timestamp: parseTimestamp(m.Timestamp),
	}
	if m.From != "" {
		msg.Phone = utils.NormalizePhone(m.From)
	}

	switch {
	case m.Text != nil:
		msg.Text = m.Text.Body
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		msg.InteractiveID = m.Interactive.ListReply.ID
		msg.InteractiveTitle = m.Interactive.ListReply.Title
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		msg.InteractiveID = m.Interactive.ButtonReply.ID
		msg.InteractiveTitle = m.Interactive.ButtonReply.Title
	case m.Button != nil:
		msg.InteractiveID = m.Button.Payload
		msg.InteractiveTitle = m.Button.Text
	}
	return msg
}

func parseTimestamp(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
