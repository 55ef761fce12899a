package calendar

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"SalesAgent/pkg/httpclient"
	"SalesAgent/pkg/logger"
)

var ErrNotConfigured = stderrors.New("calendar is not configured")

type EventRequest struct {
	Summary       string
	Description   string
	Start         time.Time
	Duration      time.Duration
	AttendeeEmail string
	AttendeeName  string
	Phone         string
}

// EventResult Success=false 且 err 为 nil 表示对端拒绝（时段已被占用等）
type EventResult struct {
	Success    bool
	EventID    string
	MeetingURL string
	Error      string
}

type Client interface {
	CreateEvent(ctx context.Context, req EventRequest) (EventResult, error)
	AvailableSlots(ctx context.Context, from time.Time, offset, count int) ([]Slot, error)
}

type Config struct {
	APIBase      string
	APIKey       string
	CalendarID   string
	Timeout      time.Duration
	Availability Availability
}

// HTTPClient 通用日历网关：freebusy 查询 + 建会议
type HTTPClient struct {
	cfg  Config
	http *client.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.APIBase == "" {
		return nil, ErrNotConfigured
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	c, err := httpclient.New(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create calendar http client: %w", err)
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &HTTPClient{cfg: cfg, http: c}, nil
}

func (c *HTTPClient) headers() map[string]string {
	h := map[string]string{}
	if c.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return h
}

func (c *HTTPClient) endpoint(suffix string) string {
	return c.cfg.APIBase + "/calendars/" + url.PathEscape(c.cfg.CalendarID) + suffix
}

type attendee struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type createEventBody struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Attendees   []attendee `json:"attendees"`
	Conference  bool       `json:"create_conference"`
}

type createEventResponse struct {
	ID         string `json:"id"`
	MeetingURL string `json:"meeting_url"`
	HTMLLink   string `json:"html_link"`
}

func (c *HTTPClient) CreateEvent(ctx context.Context, req EventRequest) (EventResult, error) {
	if req.Duration <= 0 {
		req.Duration = time.Duration(c.cfg.Availability.normalized().SlotMinutes) * time.Minute
	}
	body := createEventBody{
		Summary:     req.Summary,
		Description: req.Description,
		Start:       req.Start.UTC(),
		End:         req.Start.Add(req.Duration).UTC(),
		Attendees:   []attendee{{Email: req.AttendeeEmail, Name: req.AttendeeName}},
		Conference:  true,
	}

	var out createEventResponse
	err := httpclient.DoJSON(ctx, c.http, consts.MethodPost, c.endpoint("/events"), c.headers(), body, &out)
	if err != nil {
		var se *httpclient.StatusError
		if stderrors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
			logger.Logger.Warn("Calendar rejected event",
				zap.Int("status", se.StatusCode),
				zap.Time("start", req.Start),
			)
			return EventResult{Success: false, Error: se.Body}, nil
		}
		return EventResult{}, fmt.Errorf("create calendar event: %w", err)
	}

	meeting := out.MeetingURL
	if meeting == "" {
		meeting = out.HTMLLink
	}
	return EventResult{Success: true, EventID: out.ID, MeetingURL: meeting}, nil
}

type freeBusyBody struct {
	TimeMin time.Time `json:"time_min"`
	TimeMax time.Time `json:"time_max"`
}

type freeBusyResponse struct {
	Busy []Interval `json:"busy"`
}

func (c *HTTPClient) AvailableSlots(ctx context.Context, from time.Time, offset, count int) ([]Slot, error) {
	min, max := c.cfg.Availability.Window(from)

	var out freeBusyResponse
	err := httpclient.DoJSON(ctx, c.http, consts.MethodPost, c.endpoint("/freebusy"), c.headers(),
		freeBusyBody{TimeMin: min.UTC(), TimeMax: max.UTC()}, &out)
	if err != nil {
		return nil, fmt.Errorf("query free/busy: %w", err)
	}
	return c.cfg.Availability.GenerateSlots(from, offset, count, out.Busy)
}

// OfflineClient 未配置日历时仍能列出营业时段，但无法真正建会议
type OfflineClient struct {
	Availability Availability
}

func (c OfflineClient) CreateEvent(ctx context.Context, req EventRequest) (EventResult, error) {
	return EventResult{}, ErrNotConfigured
}

func (c OfflineClient) AvailableSlots(ctx context.Context, from time.Time, offset, count int) ([]Slot, error) {
	return c.Availability.GenerateSlots(from, offset, count, nil)
}
