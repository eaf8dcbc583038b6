package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-service/internal/ws"
)

// AuditEmitter publishes audit records.
type AuditEmitter interface {
	Emit(ctx context.Context, level, text, requestID string, userID int)
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter AuditEmitter, hub *ws.Hub, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/hub", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Stats())
	})
}
