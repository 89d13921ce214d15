package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/deploy"
	"github.com/kookaburracodes/kookaburra/internal/http/middleware"
	"github.com/kookaburracodes/kookaburra/internal/phone"
	"github.com/kookaburracodes/kookaburra/internal/repository"
)

// LLMHandler serves the authenticated model-management endpoints.
type LLMHandler struct {
	Users    repository.UserRepository
	LLMs     repository.LLMRepository
	Deployer deploy.Deployer
	Phones   phone.Provisioner
	Logger   *zap.Logger
}

// NewLLMHandler creates the handler.
func NewLLMHandler(users repository.UserRepository, llms repository.LLMRepository, deployer deploy.Deployer, phones phone.Provisioner, logger *zap.Logger) *LLMHandler {
	return &LLMHandler{Users: users, LLMs: llms, Deployer: deployer, Phones: phones, Logger: logger}
}

type llmResponse struct {
	ID          string    `json:"id"`
	CloneURL    string    `json:"clone_url"`
	PhoneNumber string    `json:"phone_number"`
	EndpointURL string    `json:"endpoint_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// List returns the session user's deployed models.
func (h *LLMHandler) List(c *gin.Context) {
	user, ok := h.sessionUser(c)
	if !ok {
		return
	}

	llms, err := h.LLMs.ListByUser(c.Request.Context(), user.ID)
	if err != nil {
		h.Logger.Error("list llms", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Server error."})
		return
	}

	out := make([]llmResponse, 0, len(llms))
	for _, llm := range llms {
		out = append(out, llmResponse{
			ID:          llm.ID.String(),
			CloneURL:    llm.CloneURL,
			PhoneNumber: llm.PhoneNumber,
			EndpointURL: llm.EndpointURL,
			CreatedAt:   llm.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"llms": out})
}

// Delete tears down one of the session user's models: the database row
// goes first, then the deployed app and the number. Teardown of the
// external pieces is best effort; a leaked number is cheaper than a row
// that blocks the repo from ever deploying again.
func (h *LLMHandler) Delete(c *gin.Context) {
	user, ok := h.sessionUser(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad request."})
		return
	}

	ctx := c.Request.Context()
	llm, err := h.LLMs.GetForUser(ctx, id, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad request."})
			return
		}
		h.Logger.Error("load llm", zap.String("llm_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Server error."})
		return
	}

	if err := h.LLMs.Delete(ctx, llm.ID); err != nil {
		h.Logger.Error("delete llm", zap.String("llm_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Server error."})
		return
	}

	if err := h.Deployer.Stop(ctx, llm.ID.String()); err != nil {
		h.Logger.Warn("stop deployed app", zap.String("llm_id", id.String()), zap.Error(err))
	}
	if err := h.Phones.Release(ctx, llm.PhoneNumber); err != nil {
		h.Logger.Warn("release phone number", zap.String("number", llm.PhoneNumber), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"message": "🪶"})
}

func (h *LLMHandler) sessionUser(c *gin.Context) (user userRef, ok bool) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated."})
		return userRef{}, false
	}

	u, err := h.Users.GetByUsername(c.Request.Context(), sess.DisplayName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated."})
			return userRef{}, false
		}
		h.Logger.Error("load session user", zap.String("username", sess.DisplayName), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Server error."})
		return userRef{}, false
	}
	return userRef{ID: u.ID, Username: u.Username}, true
}

type userRef struct {
	ID       int64
	Username string
}
