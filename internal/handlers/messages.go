package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay-service/internal/presence"
)

// SeenResolver reports whether a message has been seen.
type SeenResolver interface {
	ResolveSeenState(ctx context.Context, messageID int) (presence.SeenState, error)
}

// MessageHandler serves message state lookups.
type MessageHandler struct {
	seen SeenResolver
}

func NewMessageHandler(seen SeenResolver) *MessageHandler {
	return &MessageHandler{seen: seen}
}

// GetSeenState returns the seen flag and a display label for a message.
func (h *MessageHandler) GetSeenState(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("message_id"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	state, err := h.seen.ResolveSeenState(c.Request.Context(), messageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}
