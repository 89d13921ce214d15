package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/sms"
)

// SMSHandler accepts inbound carrier webhooks.
type SMSHandler struct {
	Relay  *sms.Relay
	Logger *zap.Logger
}

// NewSMSHandler creates the handler.
func NewSMSHandler(relay *sms.Relay, logger *zap.Logger) *SMSHandler {
	return &SMSHandler{Relay: relay, Logger: logger}
}

// HandleInbound relays one inbound text to the model behind the receiving
// number.
func (h *SMSHandler) HandleInbound(c *gin.Context) {
	msg := sms.InboundMessage{
		From: c.PostForm("From"),
		To:   c.PostForm("To"),
		Body: c.PostForm("Body"),
	}

	if err := h.Relay.Handle(c.Request.Context(), msg); err != nil {
		h.Logger.Error("relay sms", zap.String("to", msg.To), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Server error."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "🪶"})
}
