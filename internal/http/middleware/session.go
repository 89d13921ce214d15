package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kookaburracodes/kookaburra/internal/session"
)

const ginSessionKey = "kookaburra/session"

// Session validates the auth cookie on every request and attaches the
// decrypted session to the gin context. Invalid or expired cookies are
// cleared so the browser stops sending them.
type Session struct {
	sessions *session.Service
	secure   bool
}

// NewSession constructs the middleware. secure must match the attribute the
// login callback sets on the cookie, or browsers may treat the cleared
// cookie as a different one and keep sending the stale value.
func NewSession(sessions *session.Service, secure bool) *Session {
	return &Session{sessions: sessions, secure: secure}
}

// Handler attaches the session when the cookie is valid.
func (m *Session) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie(session.CookieName)
		if err != nil || cookie == "" {
			c.Next()
			return
		}

		sess := m.sessions.Validate(cookie)
		if sess == nil {
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     session.CookieName,
				Value:    "",
				Path:     "/",
				MaxAge:   -1,
				HttpOnly: true,
				Secure:   m.secure,
				SameSite: http.SameSiteLaxMode,
			})
			c.Next()
			return
		}

		c.Set(ginSessionKey, sess)
		c.Next()
	}
}

// Require aborts with 401 when no valid session is attached.
func (m *Session) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetSession(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated."})
			return
		}
		c.Next()
	}
}

// GetSession returns the session attached by Handler.
func GetSession(c *gin.Context) (*session.Session, bool) {
	value, ok := c.Get(ginSessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := value.(*session.Session)
	return sess, ok
}
