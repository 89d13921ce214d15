package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/config"
	"github.com/kookaburracodes/kookaburra/internal/service"
	"github.com/kookaburracodes/kookaburra/internal/session"
)

// AuthHandler drives the GitHub OAuth login endpoints.
type AuthHandler struct {
	Auth   *service.AuthService
	Config config.Config
	Logger *zap.Logger
}

// NewAuthHandler creates the handler.
func NewAuthHandler(auth *service.AuthService, cfg config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{Auth: auth, Config: cfg, Logger: logger}
}

// Login responds with an HX-Redirect header pointing at GitHub's authorize
// page. The frontend triggers login over htmx, so the redirect rides a
// header on a 200 rather than a 302.
func (h *AuthHandler) Login(c *gin.Context) {
	u, err := h.Auth.LoginURL(c.Request.Context())
	if err != nil {
		h.Logger.Error("build login url", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Login unavailable."})
		return
	}
	c.Header("HX-Redirect", u)
	c.Status(http.StatusOK)
}

// Callback completes the OAuth flow, sets the session cookie, and sends the
// browser back to the app.
func (h *AuthHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad request."})
		return
	}

	result, err := h.Auth.HandleCallback(c.Request.Context(), code, state)
	if err != nil {
		if errors.Is(err, service.ErrInvalidState) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad request."})
			return
		}
		h.Logger.Error("oauth callback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Login failed."})
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     session.CookieName,
		Value:    result.Cookie,
		Path:     "/",
		Expires:  result.Expires,
		HttpOnly: true,
		Secure:   !h.Config.IsLocal(),
		SameSite: http.SameSiteLaxMode,
	})
	c.Redirect(http.StatusFound, h.Config.PublicURL+"/?success=true")
}
