package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/playgrounded/internal/domain/session"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
)

// SessionHeader carries the session token for clients without cookies.
const SessionHeader = "X-Session-Token"

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

func sessionToken(c *gin.Context, cookie CookieConfig) string {
	if v := strings.TrimSpace(c.GetHeader(SessionHeader)); v != "" {
		return v
	}
	if v, err := c.Cookie(cookie.Name); err == nil {
		return strings.TrimSpace(v)
	}
	return ""
}

func sessionMiddleware(svc session.Service, cookie CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c, cookie)
		if token == "" {
			abortWithError(c, NewHTTPError(http.StatusUnauthorized, apperrors.CodeInvalidToken, "missing session token", nil))
			return
		}
		claims, err := svc.Validate(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, fromDomain(err))
			return
		}
		setSession(c, claims)
		c.Next()
	}
}

func setSessionCookie(c *gin.Context, cookie CookieConfig, token session.Token) {
	maxAge := int(time.Until(token.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookie.Name, token.Value, maxAge, "/", "", cookie.Secure || c.Request.TLS != nil, true)
}

func clearSessionCookie(c *gin.Context, cookie CookieConfig) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookie.Name, "", -1, "/", "", cookie.Secure || c.Request.TLS != nil, true)
}
