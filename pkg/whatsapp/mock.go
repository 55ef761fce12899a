package whatsapp

import (
	"context"
	"errors"
	"sync"
)

type MockCall struct {
	Phone string
	Text  string
	List  *List
}

// MockSender 记录所有出站消息，测试和未配置 token 的开发环境使用
type MockSender struct {
	mu    sync.Mutex
	Calls []MockCall

	// FailNext 置为 true 时，下一次调用返回 mock 错误并自动复位
	FailNext bool
	// FailAll 所有调用都失败
	FailAll bool
}

func NewMockSender() *MockSender {
	return &MockSender{Calls: make([]MockCall, 0)}
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) record(call MockCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, call)
	if m.FailAll {
		return errors.New("mock send failure")
	}
	if m.FailNext {
		m.FailNext = false
		return errors.New("mock send failure")
	}
	return nil
}

func (m *MockSender) Send(ctx context.Context, phone, text string) error {
	return m.record(MockCall{Phone: phone, Text: text})
}

func (m *MockSender) SendList(ctx context.Context, phone string, list List) error {
	return m.record(MockCall{Phone: phone, Text: list.Body, List: &list})
}

// Snapshot 并发安全地拷贝已记录的调用
func (m *MockSender) Snapshot() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// TextsTo 发给某个号码的所有文本
func (m *MockSender) TextsTo(phone string) []string {
	var out []string
	for _, c := range m.Snapshot() {
		if c.Phone == phone {
			out = append(out, c.Text)
		}
	}
	return out
}
