package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/pipeline"
	"github.com/kookaburracodes/kookaburra/internal/repository"
)

const githubEventHeader = "x-github-event"

// PushProcessor runs the deploy pipeline for an authorized push.
type PushProcessor interface {
	Process(event *pipeline.PushEvent, userID int64)
}

// WebhookHandler accepts GitHub push deliveries and launches the deploy
// pipeline.
type WebhookHandler struct {
	Users    repository.UserRepository
	Pipeline PushProcessor
	Logger   *zap.Logger
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(users repository.UserRepository, p PushProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Users: users, Pipeline: p, Logger: logger}
}

// HandleGitHub processes one webhook delivery. The response is always sent
// before any deploy work happens; GitHub times deliveries out at ten
// seconds and a clone plus deploy takes minutes.
func (h *WebhookHandler) HandleGitHub(c *gin.Context) {
	if c.GetHeader(githubEventHeader) != "push" {
		c.Status(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<22))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad request."})
		return
	}

	event, err := pipeline.ParsePushEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad request."})
		return
	}

	user, err := h.Users.GetByUsername(c.Request.Context(), event.Pusher.Name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusForbidden, gin.H{"detail": "Please sign up!"})
			return
		}
		h.Logger.Error("lookup pusher", zap.String("pusher", event.Pusher.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Server error."})
		return
	}
	if user.Waitlisted {
		c.JSON(http.StatusForbidden, gin.H{"detail": "You are waitlisted!"})
		return
	}

	if !event.IsDefaultBranchPush() {
		c.Status(http.StatusOK)
		return
	}

	go h.Pipeline.Process(event, user.ID)
	c.Status(http.StatusOK)
}
