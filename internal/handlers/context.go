package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"relay-service/internal/observability"
)

const requestIDContextKey = "request_id"

// requestIDFromContext returns the request id, taking it from X-Request-Id or
// generating one on first use so every log line of a request agrees.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(requestIDContextKey); id != "" {
		return id
	}
	id := observability.ClientMetaFromRequest(c.Request).RequestID
	c.Set(requestIDContextKey, id)
	return id
}

// userIDFromContext prefers the id set by AuthMiddleware. Zero means anonymous.
func userIDFromContext(c *gin.Context) int {
	if userID := c.GetInt("userID"); userID != 0 {
		return userID
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		if parsed, err := strconv.Atoi(header); err == nil {
			return parsed
		}
	}
	return 0
}
