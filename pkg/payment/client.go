package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"SalesAgent/pkg/httpclient"
)

const PlanIDPrefix = "plan_"

var ErrNotConfigured = stderrors.New("payment provider is not configured")

// ParsePlanID 交互回复 plan_<id>
func ParsePlanID(id string) (string, bool) {
	plan, ok := strings.CutPrefix(id, PlanIDPrefix)
	if !ok || plan == "" {
		return "", false
	}
	return plan, true
}

type CheckoutRequest struct {
	LeadID int64
	PlanID string
	Email  string
	Phone  string
}

type CheckoutSession struct {
	SessionID string
	ShortURL  string
}

type Client interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

type Config struct {
	APIBase    string
	APIKey     string
	SuccessURL string
	Timeout    time.Duration
}

type HTTPClient struct {
	cfg  Config
	http *client.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.APIBase == "" {
		return nil, ErrNotConfigured
	}
	c, err := httpclient.New(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create payment http client: %w", err)
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &HTTPClient{cfg: cfg, http: c}, nil
}

type checkoutBody struct {
	PlanID        string            `json:"plan_id"`
	CustomerEmail string            `json:"customer_email"`
	SuccessURL    string            `json:"success_url,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

type checkoutResponse struct {
	ID       string `json:"id"`
	ShortURL string `json:"short_url"`
	URL      string `json:"url"`
}

func (c *HTTPClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	body := checkoutBody{
		PlanID:        req.PlanID,
		CustomerEmail: req.Email,
		SuccessURL:    c.cfg.SuccessURL,
		Metadata: map[string]string{
			"lead_id": strconv.FormatInt(req.LeadID, 10),
			"phone":   req.Phone,
		},
	}
	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	var out checkoutResponse
	if err := httpclient.DoJSON(ctx, c.http, consts.MethodPost, c.cfg.APIBase+"/checkout/sessions", headers, body, &out); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	link := out.ShortURL
	if link == "" {
		link = out.URL
	}
	if link == "" {
		return nil, fmt.Errorf("checkout session %q has no url", out.ID)
	}
	return &CheckoutSession{SessionID: out.ID, ShortURL: link}, nil
}

// Unconfigured 未接入支付时的占位实现
type Unconfigured struct{}

func (Unconfigured) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return nil, ErrNotConfigured
}
