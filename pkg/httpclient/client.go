package httpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/network/standard"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// StatusError 对端返回非 2xx
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// New 出站调用统一用 hertz client；标准库 dialer 才支持 TLS
func New(timeout time.Duration) (*client.Client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return client.NewClient(
		client.WithDialer(standard.NewDialer()),
		client.WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}),
		client.WithDialTimeout(5*time.Second),
		client.WithClientReadTimeout(timeout),
		client.WithWriteTimeout(timeout),
	)
}

// DoJSON 发送 JSON 请求并把响应解码到 out（out 为 nil 时忽略响应体）
func DoJSON(ctx context.Context, c *client.Client, method, url string, headers map[string]string, in, out any) error {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.Header.SetContentTypeBytes([]byte("application/json"))
		req.SetBody(body)
	}

	if err := c.Do(ctx, req, resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}

	status := resp.StatusCode()
	if status < consts.StatusOK || status >= consts.StatusMultipleChoices {
		body := string(resp.Body())
		if len(body) > 512 {
			body = body[:512]
		}
		return &StatusError{StatusCode: status, Body: body}
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
