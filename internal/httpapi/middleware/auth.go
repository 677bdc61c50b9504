package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smartkrishi/smartkrishi-backend/internal/auth"
	"github.com/smartkrishi/smartkrishi-backend/internal/common"
)

const (
	UserIDKey       = "auth.user_id"
	AuthProviderKey = "auth.provider"
)

// AuthRequired rejects requests without a valid Bearer token and puts
// the user id into the gin context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}

		claims, err := auth.ParseJWT(strings.TrimPrefix(header, "Bearer "), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(AuthProviderKey, claims.AuthProvider)
		c.Next()
	}
}
