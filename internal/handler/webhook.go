package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"SalesAgent/internal/model"
	"SalesAgent/pkg/errors"
	"SalesAgent/pkg/logger"
	"SalesAgent/pkg/response"
	"SalesAgent/pkg/whatsapp"
)

type InboundHandler interface {
	HandleInbound(ctx context.Context, msg model.InboundMessage) string
}

type WebhookHandler struct {
	inbound     InboundHandler
	verifyToken string
}

func NewWebhookHandler(inbound InboundHandler, verifyToken string) *WebhookHandler {
	return &WebhookHandler{inbound: inbound, verifyToken: verifyToken}
}

// Verify 订阅握手
// GET /api/webhook/whatsapp
func (h *WebhookHandler) Verify(ctx context.Context, c *app.RequestContext) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) == 1 {
		c.String(http.StatusOK, challenge)
		return
	}

	logger.Logger.Warn("Webhook verification rejected", zap.String("mode", mode))
	response.Error(ctx, c, errors.VerifyTokenMismatch)
}

// Receive 入站消息；业务失败也返回 200，避免平台重推
// POST /api/webhook/whatsapp
func (h *WebhookHandler) Receive(ctx context.Context, c *app.RequestContext) {
	msgs, err := whatsapp.ParseWebhook(c.Request.Body())
	if err != nil {
		logger.Logger.Warn("Invalid webhook payload", zap.Error(err))
		response.BindError(ctx, c, err)
		return
	}

	status := model.InboundOK
	for _, msg := range msgs {
		status = h.inbound.HandleInbound(ctx, msg)
	}
	c.JSON(http.StatusOK, map[string]string{"status": status})
}
