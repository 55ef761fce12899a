package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"SalesAgent/pkg/httpclient"
	"SalesAgent/pkg/logger"
)

// 交互列表的平台限制
const (
	maxRowTitle       = 24
	maxRowDescription = 72
	maxButton         = 20
	maxRows           = 10
)

type ListRow struct {
	ID          string
	Title       string
	Description string
}

// List 交互列表消息，用户点选后 webhook 里带回 row id
type List struct {
	Body   string
	Button string
	Title  string
	Rows   []ListRow
}

// AsText 不支持交互列表的通道降级成编号文本
func (l List) AsText() string {
	var sb strings.Builder
	sb.WriteString(l.Body)
	for i, row := range l.Rows {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, row.Title)
		if row.Description != "" {
			sb.WriteString(" - ")
			sb.WriteString(row.Description)
		}
	}
	return sb.String()
}

type Config struct {
	APIBase       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
}

// CloudClient WhatsApp Cloud API 出站消息
type CloudClient struct {
	cfg  Config
	http *client.Client
}

func NewCloudClient(cfg Config) (*CloudClient, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp access token and phone number id are required")
	}
	c, err := httpclient.New(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create whatsapp http client: %w", err)
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &CloudClient{cfg: cfg, http: c}, nil
}

func (c *CloudClient) Name() string { return "whatsapp" }

type textBody struct {
	Body string `json:"body"`
}

type outbound struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
}

type interactive struct {
	Type   string      `json:"type"`
	Header *header     `json:"header,omitempty"`
	Body   textBody    `json:"body"`
	Action *listAction `json:"action"`
}

type header struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type listAction struct {
	Button   string        `json:"button"`
	Sections []listSection `json:"sections"`
}

type listSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []listRow `json:"rows"`
}

type listRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *CloudClient) Send(ctx context.Context, phone, text string) error {
	return c.post(ctx, outbound{
		MessagingProduct: "whatsapp",
		To:               recipient(phone),
		Type:             "text",
		Text:             &textBody{Body: text},
	})
}

func (c *CloudClient) SendList(ctx context.Context, phone string, list List) error {
	rows := list.Rows
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	out := make([]listRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, listRow{
			ID:          r.ID,
			Title:       truncate(r.Title, maxRowTitle),
			Description: truncate(r.Description, maxRowDescription),
		})
	}

	msg := &interactive{
		Type: "list",
		Body: textBody{Body: list.Body},
		Action: &listAction{
			Button:   truncate(list.Button, maxButton),
			Sections: []listSection{{Rows: out}},
		},
	}
	if list.Title != "" {
		msg.Header = &header{Type: "text", Text: list.Title}
	}

	return c.post(ctx, outbound{
		MessagingProduct: "whatsapp",
		To:               recipient(phone),
		Type:             "interactive",
		Interactive:      msg,
	})
}

func (c *CloudClient) post(ctx context.Context, msg outbound) error {
	url := fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, c.cfg.PhoneNumberID)
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.AccessToken}

	var resp sendResponse
	if err := httpclient.DoJSON(ctx, c.http, consts.MethodPost, url, headers, msg, &resp); err != nil {
		return fmt.Errorf("whatsapp send %s: %w", msg.Type, err)
	}
	if len(resp.Messages) > 0 {
		logger.Logger.Debug("WhatsApp message accepted",
			zap.String("type", msg.Type),
			zap.String("message_id", resp.Messages[0].ID),
		)
	}
	return nil
}

// recipient Cloud API 的 to 字段不带 +
func recipient(phone string) string {
	return strings.TrimPrefix(phone, "+")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
