package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kookaburracodes/kookaburra/internal/crypto"
	"github.com/kookaburracodes/kookaburra/internal/http/middleware"
	"github.com/kookaburracodes/kookaburra/internal/session"
)

func newSessionRouter(t *testing.T) (*gin.Engine, *session.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	codec, err := crypto.New("secret", "salt")
	require.NoError(t, err)
	svc := session.NewService(codec, time.Hour)

	m := middleware.NewSession(svc, true)
	r := gin.New()
	r.Use(m.Handler())
	r.GET("/open", func(c *gin.Context) {
		if sess, ok := middleware.GetSession(c); ok {
			c.JSON(http.StatusOK, gin.H{"user": sess.DisplayName})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": nil})
	})
	r.GET("/private", m.Require(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, svc
}

func TestSessionAttached(t *testing.T) {
	r, svc := newSessionRouter(t)
	cookie, _, err := svc.Issue(session.Profile{DisplayName: "octocat"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: cookie})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "octocat")
}

func TestInvalidCookieCleared(t *testing.T) {
	r, _ := newSessionRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "garbage"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, session.CookieName, cookies[0].Name)
	require.Empty(t, cookies[0].Value)
	require.Equal(t, -1, cookies[0].MaxAge)
	require.True(t, cookies[0].Secure)
	require.True(t, cookies[0].HttpOnly)
}

func TestRequireRejectsAnonymous(t *testing.T) {
	r, _ := newSessionRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAcceptsSession(t *testing.T) {
	r, svc := newSessionRouter(t)
	cookie, _, err := svc.Issue(session.Profile{DisplayName: "octocat"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: cookie})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
