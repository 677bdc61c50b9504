package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/smartkrishi/smartkrishi-backend/internal/common"
)

const RequestIDHeader = "X-Request-ID"

// RequestID attaches a ULID to every request, honoring a caller-sent
// one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			if generated, err := common.NewULID(); err == nil {
				id = generated
			}
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}
