package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 30 * time.Second
	MaxRetries     = 2
	maxHistory     = 12
)

type Turn struct {
	// Inbound 为 true 表示用户说的
	Inbound bool
	Content string
}

// Context 线索的最小画像和最近对话
type Context struct {
	LeadName     string
	BusinessName string
	Industry     string
	Stage        string
	History      []Turn
}

type Reply struct {
	Response         string
	TokensUsed       int
	DetectedIndustry string
	// SaidLater 用户表示稍后再聊，需要排一条 later_followup
	SaidLater bool
	// Topic 对话主题摘要，作为再激活文案的记忆
	Topic string
}

// Responder 自由对话应答，对调用方是黑盒
type Responder interface {
	Respond(ctx context.Context, text string, c Context) (*Reply, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// SystemPrompt 为空时使用内置销售话术
	SystemPrompt string
}

type OpenAIResponder struct {
	client openaigo.Client
	model  string
	system string
}

func NewOpenAIResponder(cfg Config) (*OpenAIResponder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	return &OpenAIResponder{
		client: openaigo.NewClient(opts...),
		model:  cfg.Model,
		system: cfg.SystemPrompt,
	}, nil
}

func (r *OpenAIResponder) Respond(ctx context.Context, text string, c Context) (*Reply, error) {
	history := c.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	messages := make([]openaigo.ChatCompletionMessageParamUnion, 0, len(history)+3)
	messages = append(messages,
		openaigo.SystemMessage(r.system),
		openaigo.SystemMessage(profile(c)),
	)
	for _, t := range history {
		if t.Inbound {
			messages = append(messages, openaigo.UserMessage(t.Content))
		} else {
			messages = append(messages, openaigo.AssistantMessage(t.Content))
		}
	}
	messages = append(messages, openaigo.UserMessage(text))

	resp, err := r.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(r.model),
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned empty choices")
	}

	reply, err := ParseReply(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	reply.TokensUsed = int(resp.Usage.TotalTokens)
	return reply, nil
}

func profile(c Context) string {
	var sb strings.Builder
	sb.WriteString("Lead profile:")
	if c.LeadName != "" {
		sb.WriteString("\n- name: " + c.LeadName)
	}
	if c.BusinessName != "" {
		sb.WriteString("\n- business: " + c.BusinessName)
	}
	if c.Industry != "" {
		sb.WriteString("\n- industry: " + c.Industry)
	}
	if c.Stage != "" {
		sb.WriteString("\n- stage: " + c.Stage)
	}
	return sb.String()
}

type structuredReply struct {
	Response         string `json:"response"`
	DetectedIndustry string `json:"detected_industry"`
	SaidLater        bool   `json:"said_later"`
	Topic            string `json:"topic"`
}

// ParseReply 模型要求输出 JSON；偶尔包在代码块里或直接给纯文本，都按可用处理
func ParseReply(content string) (*Reply, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if raw == "" {
		return nil, fmt.Errorf("empty model output")
	}

	var s structuredReply
	if strings.HasPrefix(raw, "{") && json.Unmarshal([]byte(raw), &s) == nil {
		if strings.TrimSpace(s.Response) == "" {
			return nil, fmt.Errorf("model output has empty response field")
		}
		return &Reply{
			Response:         strings.TrimSpace(s.Response),
			DetectedIndustry: strings.ToLower(strings.TrimSpace(s.DetectedIndustry)),
			SaidLater:        s.SaidLater,
			Topic:            strings.TrimSpace(s.Topic),
		}, nil
	}

	return &Reply{Response: raw}, nil
}

const defaultSystemPrompt = `You are a friendly sales assistant for a WhatsApp automation product for small businesses.
Answer briefly (max 3 short sentences), in the language the lead writes in.
Your goal is to understand the lead's business and offer a short demo call.
Always reply with a single JSON object and nothing else:
{"response": "<message to send>", "detected_industry": "<one word industry or empty>", "said_later": <true if the lead asked to talk later>, "topic": "<what the lead cares about, max 8 words, or empty>"}`
