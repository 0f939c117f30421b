package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"torrent-vault/config"

	"github.com/gin-gonic/gin"
)

const (
	UserIDKey     = "user_id"
	UserIDHeader  = "X-User-ID"
	AnonymousUser = "anonymous"
)

// AuthMiddleware resolves the caller's user id. With auth enabled the basic
// auth username is the user id; otherwise the X-User-ID header is trusted.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Auth.Enabled {
			user := strings.TrimSpace(c.GetHeader(UserIDHeader))
			if user == "" {
				user = AnonymousUser
			}
			c.Set(UserIDKey, user)
			c.Next()
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="Torrent Vault"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Auth.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Auth.Password)) == 1
		if !userOK || !passOK {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set(UserIDKey, username)
		c.Next()
	}
}

// UserID is the id AuthMiddleware stored, or "anonymous".
func UserID(c *gin.Context) string {
	if v := c.GetString(UserIDKey); v != "" {
		return v
	}
	return AnonymousUser
}
